package sensor

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/metrics"
	"github.com/mattvenn/chamber-controller/internal/model"
)

// Guarded wraps a Source and reinitializes it after too many consecutive
// read failures. A single good reading clears the counter.
type Guarded struct {
	factory func() (Source, error)
	limit   int

	mu       sync.Mutex
	src      Source
	failures int
}

func NewGuarded(factory func() (Source, error), failureLimit int) (*Guarded, error) {
	src, err := factory()
	if err != nil {
		return nil, err
	}
	return &Guarded{
		factory: factory,
		limit:   failureLimit,
		src:     src,
	}, nil
}

func (g *Guarded) Read(ctx context.Context) (*model.Measurement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, err := g.src.Read(ctx)
	if err == nil {
		g.failures = 0
		return m, nil
	}

	g.failures++
	log.Warn().
		Err(err).
		Int("consecutive_failures", g.failures).
		Int("limit", g.limit).
		Msg("Sensor read failed")
	metrics.Count("sensor.read_failures", 1)

	if g.failures >= g.limit {
		g.reinitLocked()
	}
	return nil, err
}

// Reset reinitializes the underlying source immediately, used by the
// watchdog when the loop recovers from a stall.
func (g *Guarded) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reinitLocked()
}

func (g *Guarded) reinitLocked() {
	log.Info().Msg("Reinitializing sensor source")
	if err := g.src.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close sensor source before reinit")
	}

	src, err := g.factory()
	if err != nil {
		log.Error().Err(err).Msg("Sensor reinit failed, keeping old source")
		return
	}
	g.src = src
	g.failures = 0
	metrics.Count("sensor.reinits", 1)
}

func (g *Guarded) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.src.Close()
}
