package fan

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// Driver applies a fan duty cycle. Speeds are percent, clamped to [0, 100].
type Driver interface {
	SetSpeed(percent float64) error
	Speed() float64
}

// PWMDriver writes the duty cycle to a sysfs pwm attribute as 0..255.
type PWMDriver struct {
	path string

	mu    sync.Mutex
	speed float64
}

func NewPWMDriver(path string) *PWMDriver {
	return &PWMDriver{path: path}
}

func (d *PWMDriver) SetSpeed(percent float64) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}

	raw := int(percent/100*255 + 0.5)
	if err := os.WriteFile(d.path, []byte(strconv.Itoa(raw)), 0644); err != nil {
		return fmt.Errorf("fan: write pwm value: %w", err)
	}

	d.mu.Lock()
	d.speed = percent
	d.mu.Unlock()
	return nil
}

func (d *PWMDriver) Speed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}

// NullDriver tracks the requested speed without touching hardware, for
// simulated runs.
type NullDriver struct {
	mu    sync.Mutex
	speed float64
}

func NewNullDriver() *NullDriver { return &NullDriver{} }

func (d *NullDriver) SetSpeed(percent float64) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	d.mu.Lock()
	d.speed = percent
	d.mu.Unlock()
	log.Debug().Float64("percent", percent).Msg("Simulated fan speed applied")
	return nil
}

func (d *NullDriver) Speed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speed
}
