package co2controller

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/fan"
	"github.com/mattvenn/chamber-controller/internal/metrics"
	"github.com/mattvenn/chamber-controller/internal/model"
	"github.com/mattvenn/chamber-controller/internal/pid"
	"github.com/mattvenn/chamber-controller/internal/settings"
)

// Negative gains: CO2 above the setpoint must raise the exhaust duty cycle.
const (
	kp = -1.0
	ki = -0.01
	kd = 0.0

	// Fan speed persistence is rate limited so the PID does not hammer the
	// settings file every cycle.
	persistInterval = 30 * time.Second
	persistDelta    = 10.0
)

// Controller maps CO2 readings onto the fan's continuous duty cycle. The fan
// is a local PWM output, so the duty is applied directly with no debounce or
// reconciliation.
type Controller struct {
	store  *settings.Store
	driver fan.Driver
	pid    *pid.Controller

	lastPersist   time.Time
	lastPersisted float64

	now func() time.Time // test seam
}

func New(store *settings.Store, driver fan.Driver) *Controller {
	return &Controller{
		store:  store,
		driver: driver,
		pid:    pid.New(kp, ki, kd, 0, 100),
		now:    time.Now,
	}
}

// Process runs one control step for the measurement.
func (c *Controller) Process(ctx context.Context, m *model.Measurement) error {
	doc, _ := c.store.Load(false)

	if doc.Fan.ManualControl {
		if c.driver.Speed() != doc.Fan.Speed {
			log.Info().Float64("percent", doc.Fan.Speed).Msg("Applying manual fan speed")
			if err := c.driver.SetSpeed(doc.Fan.Speed); err != nil {
				return err
			}
		}
		return nil
	}

	phase, ok := doc.CurrentPhase()
	if !ok {
		return settings.ErrNoPhase
	}

	c.pid.SetSetpoint(phase.CO2Setpoint)
	out := c.pid.Update(m.CO2, c.now())

	if err := c.driver.SetSpeed(out); err != nil {
		return err
	}

	log.Debug().
		Float64("co2", m.CO2).
		Float64("setpoint", phase.CO2Setpoint).
		Float64("fan_speed", out).
		Msg("CO2 control step")
	metrics.Gauge("fan.speed", out)
	metrics.Gauge("chamber.co2", m.CO2)

	c.persistIfDue(out)
	return nil
}

// Reset clears the PID history, used after a loop stall.
func (c *Controller) Reset() {
	c.pid.Reset()
}

func (c *Controller) persistIfDue(speed float64) {
	due := c.now().Sub(c.lastPersist) >= persistInterval ||
		math.Abs(speed-c.lastPersisted) > persistDelta

	if !due {
		return
	}

	err := c.store.UpdateSettings(settings.Partial{
		"fan": map[string]interface{}{"speed": speed},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to persist fan speed")
		return
	}
	c.lastPersist = c.now()
	c.lastPersisted = speed
}
