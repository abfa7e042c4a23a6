package humiditycontroller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/metrics"
	"github.com/mattvenn/chamber-controller/internal/model"
	"github.com/mattvenn/chamber-controller/internal/pid"
	"github.com/mattvenn/chamber-controller/internal/settings"
)

const (
	// The humidifier is binary, so the PID output is a burst duration.
	kp = 2.0
	ki = 0.05
	kd = 0.0

	MinBurst = 500 * time.Millisecond
	MaxBurst = 30 * time.Second

	offTimeout = 5 * time.Second
)

// Actuator is the slice of the reconciler the humidifier loop needs.
type Actuator interface {
	SetDesired(ctx context.Context, role model.DeviceRole, on bool) error
	ForceDesired(ctx context.Context, role model.DeviceRole, on bool) error
	State(role model.DeviceRole) (bool, error)
}

type burstState int

const (
	stateIdle burstState = iota
	stateBursting
)

// Controller regulates humidity with timed ON pulses. A burst starts only
// when RH falls below setpoint-hysteresis, runs for the PID-computed
// duration, and ends early if RH recovers first. A running burst is never
// replaced by a new one.
type Controller struct {
	store *settings.Store
	act   Actuator
	pid   *pid.Controller

	mu       sync.Mutex
	state    burstState
	burstEnd time.Time
	timer    *time.Timer

	now func() time.Time // test seam
}

func New(store *settings.Store, act Actuator) *Controller {
	return &Controller{
		store: store,
		act:   act,
		pid:   pid.New(kp, ki, kd, MinBurst.Seconds(), MaxBurst.Seconds()),
		now:   time.Now,
	}
}

// ShouldBurst is the hysteresis gate: only a reading strictly below
// setpoint-hysteresis opens it.
func ShouldBurst(rh, setpoint, hysteresis float64) bool {
	return rh < setpoint-hysteresis
}

// Process runs one control step for the measurement.
func (c *Controller) Process(ctx context.Context, m *model.Measurement) error {
	phase, err := c.store.PhaseSettings("")
	if err != nil {
		return err
	}

	if _, err := c.act.State(model.RoleHumidifier); err != nil {
		if errors.Is(err, settings.ErrNoDevice) {
			log.Debug().Msg("No humidifier assigned, skipping humidity control")
			return nil
		}
		return err
	}

	metrics.Gauge("chamber.humidity", m.Humidity)

	c.mu.Lock()
	state := c.state
	burstEnd := c.burstEnd
	c.mu.Unlock()

	if state == stateBursting {
		if m.Humidity >= phase.RHSetpoint-phase.RHHysteresis {
			log.Info().
				Float64("humidity", m.Humidity).
				Float64("setpoint", phase.RHSetpoint).
				Msg("Humidity recovered, ending burst early")
			return c.endBurst(ctx)
		}
		if !c.now().Before(burstEnd) {
			return c.endBurst(ctx)
		}
		return nil
	}

	if !ShouldBurst(m.Humidity, phase.RHSetpoint, phase.RHHysteresis) {
		return nil
	}

	c.pid.SetSetpoint(phase.RHSetpoint)
	duration := time.Duration(c.pid.Update(m.Humidity, c.now()) * float64(time.Second))

	if err := c.act.SetDesired(ctx, model.RoleHumidifier, true); err != nil {
		return err
	}
	on, err := c.act.State(model.RoleHumidifier)
	if err != nil {
		return err
	}
	if !on {
		// The reconciler deferred the switch; arm the burst only once the
		// humidifier is confirmed on.
		log.Debug().Msg("Humidifier not yet on, burst postponed to next cycle")
		return nil
	}

	c.mu.Lock()
	c.state = stateBursting
	c.burstEnd = c.now().Add(duration)
	c.timer = time.AfterFunc(duration, c.onTimer)
	c.mu.Unlock()

	log.Info().
		Float64("humidity", m.Humidity).
		Float64("setpoint", phase.RHSetpoint).
		Dur("duration", duration).
		Msg("Humidifier burst started")
	metrics.Count("humidifier.bursts", 1)

	return nil
}

// onTimer fires when the armed burst duration elapses between cycles.
func (c *Controller) onTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), offTimeout)
	defer cancel()
	if err := c.endBurst(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to end humidifier burst on timer")
	}
}

func (c *Controller) endBurst(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateBursting {
		c.mu.Unlock()
		return nil
	}
	c.state = stateIdle
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	// The OFF ends a timed pulse and must land on schedule even when the ON
	// that started it is still inside the debounce window.
	return c.act.ForceDesired(ctx, model.RoleHumidifier, false)
}

// Shutdown cancels any running burst without touching the device; the
// reconciler's shutdown path turns the actuators off.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = stateIdle
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
