package pid

import (
	"sync"
	"time"
)

// Controller is a positional PID with output clamping and integrator
// anti-windup. Negative gains are legal: the fan loop uses them because a
// rising CO2 reading must raise the output.
type Controller struct {
	mu sync.Mutex

	kp, ki, kd float64
	setpoint   float64

	outMin, outMax float64

	integral  float64
	lastInput float64
	lastTime  time.Time
	primed    bool
}

func New(kp, ki, kd, outMin, outMax float64) *Controller {
	return &Controller{
		kp:     kp,
		ki:     ki,
		kd:     kd,
		outMin: outMin,
		outMax: outMax,
	}
}

func (c *Controller) SetSetpoint(sp float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setpoint = sp
}

func (c *Controller) Setpoint() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setpoint
}

func (c *Controller) SetTunings(kp, ki, kd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kp, c.ki, c.kd = kp, ki, kd
}

// Reset clears the integrator and derivative history, for use after a long
// stall so stale accumulation cannot slam the output.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integral = 0
	c.primed = false
}

// Update advances the loop with one measurement and returns the clamped
// output. The first call after New or Reset establishes the time base and
// contributes no derivative term.
func (c *Controller) Update(input float64, now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	errVal := c.setpoint - input

	dt := 0.0
	if c.primed {
		dt = now.Sub(c.lastTime).Seconds()
	}

	var derivative float64
	if dt > 0 {
		c.integral += errVal * dt
		derivative = (input - c.lastInput) / dt
	}

	out := c.kp*errVal + c.ki*c.integral - c.kd*derivative

	// Anti-windup: when the clamp binds, roll back this step's accumulation
	// so the integrator does not keep growing against the limit.
	if out > c.outMax {
		if dt > 0 && c.ki != 0 {
			c.integral -= errVal * dt
		}
		out = c.outMax
	} else if out < c.outMin {
		if dt > 0 && c.ki != 0 {
			c.integral -= errVal * dt
		}
		out = c.outMin
	}

	c.lastInput = input
	c.lastTime = now
	c.primed = true

	return out
}
