package sensor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/mattvenn/chamber-controller/internal/model"
)

// Simulator random-walks plausible chamber conditions so the whole stack can
// run on a desk with no hardware attached.
type Simulator struct {
	mu   sync.Mutex
	rng  *rand.Rand
	co2  float64
	temp float64
	rh   float64
}

func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		rng:  rand.New(rand.NewSource(seed)),
		co2:  800,
		temp: 22,
		rh:   80,
	}
}

func (s *Simulator) Read(ctx context.Context) (*model.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.co2 = clamp(s.co2+s.rng.Float64()*40-20, 400, 5000)
	s.temp = clamp(s.temp+s.rng.Float64()*0.2-0.1, 5, 40)
	s.rh = clamp(s.rh+s.rng.Float64()*1.0-0.5, 20, 100)

	return &model.Measurement{
		CO2:         s.co2,
		Temperature: s.temp,
		Humidity:    s.rh,
		Timestamp:   time.Now(),
	}, nil
}

func (s *Simulator) Close() error { return nil }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
