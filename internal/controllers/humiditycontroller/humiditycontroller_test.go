package humiditycontroller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattvenn/chamber-controller/internal/model"
	"github.com/mattvenn/chamber-controller/internal/settings"
)

type fakeActuator struct {
	mu            sync.Mutex
	hasHumidifier bool
	deferring     bool // swallow SetDesired without switching, like a debounced relay
	on            bool
	onCalls       int
	offCalls      int
	forceCalls    int
}

func (f *fakeActuator) SetDesired(ctx context.Context, role model.DeviceRole, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on {
		f.onCalls++
	} else {
		f.offCalls++
	}
	if f.deferring {
		return nil
	}
	f.on = on
	return nil
}

func (f *fakeActuator) ForceDesired(ctx context.Context, role model.DeviceRole, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceCalls++
	if on {
		f.onCalls++
	} else {
		f.offCalls++
	}
	f.on = on
	return nil
}

func (f *fakeActuator) State(role model.DeviceRole) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasHumidifier {
		return false, settings.ErrNoDevice
	}
	return f.on, nil
}

func newTestController(t *testing.T) (*Controller, *fakeActuator) {
	t.Helper()
	store, err := settings.New(filepath.Join(t.TempDir(), "settings.json"), time.Second)
	require.NoError(t, err)
	require.NoError(t, store.UpdateSettings(settings.Partial{
		"environment": map[string]interface{}{
			"phases": map[string]interface{}{
				"colonisation": map[string]interface{}{
					"rh_setpoint":   60.0,
					"rh_hysteresis": 2.0,
				},
			},
		},
	}))

	act := &fakeActuator{hasHumidifier: true}
	return New(store, act), act
}

func TestShouldBurst(t *testing.T) {
	assert.True(t, ShouldBurst(55, 60, 2))
	assert.False(t, ShouldBurst(59, 60, 2))
	assert.False(t, ShouldBurst(58, 60, 2), "at the bound is inside the band")
	assert.False(t, ShouldBurst(62, 60, 2))
}

func TestLowHumidityStartsClampedBurst(t *testing.T) {
	c, act := newTestController(t)

	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 55}))

	assert.True(t, act.on)
	assert.Equal(t, 1, act.onCalls)

	dur := c.burstEnd.Sub(base)
	assert.GreaterOrEqual(t, dur, MinBurst)
	assert.LessOrEqual(t, dur, MaxBurst)
	c.Shutdown()
}

func TestHumidityInsideBandDoesNotBurst(t *testing.T) {
	c, act := newTestController(t)

	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 59}))

	assert.False(t, act.on)
	assert.Equal(t, 0, act.onCalls)
}

func TestNoBurstWhileBursting(t *testing.T) {
	c, act := newTestController(t)

	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 55}))
	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 54}))

	assert.Equal(t, 1, act.onCalls, "a running burst must never be replaced")
	c.Shutdown()
}

func TestBurstEndsEarlyWhenHumidityRecovers(t *testing.T) {
	c, act := newTestController(t)

	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 55}))
	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 58.5}))

	assert.False(t, act.on)
	assert.Equal(t, 1, act.offCalls)
	assert.Equal(t, 1, act.forceCalls, "a burst OFF is forced so the pulse ends on time")
}

func TestBurstNotArmedUntilSwitchConfirmed(t *testing.T) {
	c, act := newTestController(t)
	act.deferring = true

	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 55}))
	assert.Equal(t, 1, act.onCalls)

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	assert.Equal(t, stateIdle, state, "an unconfirmed switch must not start the burst clock")

	// The next cycle keeps asking until the relay actually switches.
	act.mu.Lock()
	act.deferring = false
	act.mu.Unlock()
	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 55}))
	assert.Equal(t, 2, act.onCalls)
	assert.True(t, act.on)

	c.mu.Lock()
	state = c.state
	c.mu.Unlock()
	assert.Equal(t, stateBursting, state)
	c.Shutdown()
}

func TestBurstEndsWhenDurationElapses(t *testing.T) {
	c, act := newTestController(t)

	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 55}))
	require.True(t, act.on)

	// Next cycle lands after the armed deadline with humidity still low.
	c.now = func() time.Time { return base.Add(MaxBurst + time.Second) }
	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 55}))

	assert.False(t, act.on)

	// Once idle again, a following low reading may start a fresh burst.
	require.NoError(t, c.Process(context.Background(), &model.Measurement{Humidity: 55}))
	assert.Equal(t, 2, act.onCalls)
	c.Shutdown()
}
