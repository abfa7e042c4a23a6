package temperaturecontroller

import (
	"context"
	"errors"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/metrics"
	"github.com/mattvenn/chamber-controller/internal/model"
	"github.com/mattvenn/chamber-controller/internal/settings"
)

// Actuator is the slice of the reconciler the heater loop needs.
type Actuator interface {
	SetDesired(ctx context.Context, role model.DeviceRole, on bool) error
	ForceDesired(ctx context.Context, role model.DeviceRole, on bool) error
	State(role model.DeviceRole) (bool, error)
}

// Controller runs the heater on a hysteresis band: ON below the low bound,
// OFF once the temperature rises past the setpoint, hold in between.
type Controller struct {
	store *settings.Store
	act   Actuator
}

func New(store *settings.Store, act Actuator) *Controller {
	return &Controller{store: store, act: act}
}

// EvaluateHeater returns the required heater state. The ON threshold sits
// hysteresis degrees under the setpoint and the OFF threshold at the
// setpoint itself, so the heater is not cycled inside the recovery band.
func EvaluateHeater(temp, setpoint, hysteresis float64, heaterOn bool) (on bool, changed bool) {
	switch {
	case temp < setpoint-hysteresis && !heaterOn:
		return true, true
	case temp > setpoint && heaterOn:
		return false, true
	default:
		return heaterOn, false
	}
}

// Process runs one control step for the measurement.
func (c *Controller) Process(ctx context.Context, m *model.Measurement) error {
	phase, err := c.store.PhaseSettings("")
	if err != nil {
		return err
	}

	current, err := c.act.State(model.RoleHeater)
	if err != nil {
		if errors.Is(err, settings.ErrNoDevice) {
			log.Debug().Msg("No heater assigned, skipping temperature control")
			return nil
		}
		return err
	}

	metrics.Gauge("chamber.temperature", m.Temperature)

	desired, changed := EvaluateHeater(m.Temperature, phase.TempSetpoint, phase.TempHysteresis, current)
	if !changed {
		return nil
	}

	log.Info().
		Float64("temperature", m.Temperature).
		Float64("setpoint", phase.TempSetpoint).
		Float64("hysteresis", phase.TempHysteresis).
		Bool("heater", desired).
		Msg("Temperature crossed hysteresis bound")

	// A large excursion must not wait out the debounce window.
	if math.Abs(m.Temperature-phase.TempSetpoint) > 2*phase.TempHysteresis {
		return c.act.ForceDesired(ctx, model.RoleHeater, desired)
	}
	return c.act.SetDesired(ctx, model.RoleHeater, desired)
}
