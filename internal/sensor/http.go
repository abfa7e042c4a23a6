package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mattvenn/chamber-controller/internal/model"
)

// HTTPSource reads from a sensor bridge that exposes the current reading as
// JSON on a single endpoint.
type HTTPSource struct {
	url  string
	http *http.Client
}

func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url:  url,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

type bridgeReading struct {
	CO2         float64 `json:"co2"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

func (s *HTTPSource) Read(ctx context.Context) (*model.Measurement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("sensor: build request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: bridge returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var r bridgeReading
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: decode reading: %v", ErrUnavailable, err)
	}

	return &model.Measurement{
		CO2:         r.CO2,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Timestamp:   time.Now(),
	}, nil
}

func (s *HTTPSource) Close() error { return nil }
