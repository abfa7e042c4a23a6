package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattvenn/chamber-controller/internal/model"
	"github.com/mattvenn/chamber-controller/internal/plug"
	"github.com/mattvenn/chamber-controller/internal/retry"
	"github.com/mattvenn/chamber-controller/internal/settings"
)

type fakePlug struct {
	mu       sync.Mutex
	states   map[string]bool
	offline  map[string]bool
	setCalls int
}

func newFakePlug() *fakePlug {
	return &fakePlug{
		states:  make(map[string]bool),
		offline: make(map[string]bool),
	}
}

func (f *fakePlug) SetState(ctx context.Context, ip string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.offline[ip] {
		return plug.ErrOffline
	}
	f.states[ip] = on
	return nil
}

func (f *fakePlug) GetState(ctx context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[ip] {
		return false, plug.ErrOffline
	}
	return f.states[ip], nil
}

func (f *fakePlug) Discover(ctx context.Context) ([]plug.DeviceInfo, error) {
	return []plug.DeviceInfo{
		{IP: "10.0.0.20", MAC: "cc:dd", Model: "SHPLG-S"},
	}, nil
}

func (f *fakePlug) setOffline(ip string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[ip] = down
}

func (f *fakePlug) state(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[ip]
}

func (f *fakePlug) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls
}

const heaterIP = "10.0.0.10"

func newTestReconciler(t *testing.T) (*Reconciler, *fakePlug, *settings.Store) {
	t.Helper()

	store, err := settings.New(filepath.Join(t.TempDir(), "settings.json"), time.Second)
	require.NoError(t, err)

	doc, err := store.Load(true)
	require.NoError(t, err)
	doc.AvailableDevices = []model.DeviceRecord{
		{Name: "heater", IP: heaterIP, MAC: "aa:bb", Role: model.RoleHeater},
		{Name: "humidifier", IP: "10.0.0.11", MAC: "aa:cc", Role: model.RoleHumidifier},
	}
	require.NoError(t, store.Save(doc))

	client := newFakePlug()
	policy := retry.Policy{MaxAttempts: 2, Backoff: time.Millisecond}
	return New(store, client, policy, 5*time.Second), client, store
}

func TestSetDesiredConfirmsThenPersists(t *testing.T) {
	r, client, store := newTestReconciler(t)

	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))

	assert.True(t, client.state(heaterIP))
	persisted, err := store.GetDeviceState(model.RoleHeater)
	require.NoError(t, err)
	assert.True(t, persisted)
}

func TestSetDesiredDebouncesAllStateChanges(t *testing.T) {
	r, client, _ := newTestReconciler(t)

	base := time.Now()
	r.now = func() time.Time { return base }

	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))
	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))
	assert.Equal(t, 1, client.calls(), "repeat within the window must be dropped")

	// An opposite command inside the window is held, not issued.
	r.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, false))
	assert.Equal(t, 1, client.calls(), "state change inside the window must be deferred")
	assert.True(t, client.state(heaterIP))

	// Past the window the change goes through.
	r.now = func() time.Time { return base.Add(6 * time.Second) }
	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, false))
	assert.Equal(t, 2, client.calls())
	assert.False(t, client.state(heaterIP))
}

func TestRelaySwitchesAtMostOncePerWindow(t *testing.T) {
	r, client, _ := newTestReconciler(t)

	base := time.Now()
	r.now = func() time.Time { return base }
	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))

	// An oscillating controller hammers the relay inside one window.
	r.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, false))
	r.now = func() time.Time { return base.Add(200 * time.Millisecond) }
	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))

	assert.Equal(t, 1, client.calls(), "one physical command per debounce window")
	assert.True(t, client.state(heaterIP))

	// The true/false/true sequence settled back on the current state, so no
	// stale intent fires after the window either.
	r.now = func() time.Time { return base.Add(6 * time.Second) }
	r.Reconcile(context.Background())
	assert.Equal(t, 1, client.calls())
	assert.True(t, client.state(heaterIP))
}

func TestDeferredChangeAppliedByReconcileAfterWindow(t *testing.T) {
	r, client, store := newTestReconciler(t)

	base := time.Now()
	r.now = func() time.Time { return base }
	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))

	r.now = func() time.Time { return base.Add(time.Second) }
	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, false))
	assert.Equal(t, 1, client.calls())

	// Still inside the window: the intent stays held.
	r.now = func() time.Time { return base.Add(2 * time.Second) }
	r.Reconcile(context.Background())
	assert.Equal(t, 1, client.calls())
	assert.True(t, client.state(heaterIP))

	// Once the window has elapsed the reconcile pass lands it.
	r.now = func() time.Time { return base.Add(6 * time.Second) }
	r.Reconcile(context.Background())
	assert.Equal(t, 2, client.calls())
	assert.False(t, client.state(heaterIP))

	persisted, err := store.GetDeviceState(model.RoleHeater)
	require.NoError(t, err)
	assert.False(t, persisted)
}

func TestForceDesiredBypassesDebounce(t *testing.T) {
	r, client, _ := newTestReconciler(t)

	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))
	require.NoError(t, r.ForceDesired(context.Background(), model.RoleHeater, true))
	assert.Equal(t, 2, client.calls())
}

func TestOfflineDeviceHoldsIntentAndDoesNotPersist(t *testing.T) {
	r, client, store := newTestReconciler(t)
	client.setOffline(heaterIP, true)

	err := r.SetDesired(context.Background(), model.RoleHeater, true)
	assert.ErrorIs(t, err, plug.ErrOffline)

	// The persisted state still reflects the last confirmed reality.
	persisted, err := store.GetDeviceState(model.RoleHeater)
	require.NoError(t, err)
	assert.False(t, persisted)

	// When the plug comes back, the reconcile pass applies the held intent.
	client.setOffline(heaterIP, false)
	r.Reconcile(context.Background())

	assert.True(t, client.state(heaterIP))
	persisted, err = store.GetDeviceState(model.RoleHeater)
	require.NoError(t, err)
	assert.True(t, persisted)
}

func TestReconcileAdoptsObservedDrift(t *testing.T) {
	r, client, store := newTestReconciler(t)

	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))

	// Someone toggles the plug by hand.
	client.mu.Lock()
	client.states[heaterIP] = false
	client.mu.Unlock()

	r.Reconcile(context.Background())

	persisted, err := store.GetDeviceState(model.RoleHeater)
	require.NoError(t, err)
	assert.False(t, persisted, "observed state must overwrite the persisted record")
}

func TestReconcileSkipsUnreachablePlugs(t *testing.T) {
	r, client, store := newTestReconciler(t)

	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))
	client.setOffline(heaterIP, true)

	r.Reconcile(context.Background())

	persisted, err := store.GetDeviceState(model.RoleHeater)
	require.NoError(t, err)
	assert.True(t, persisted, "unreachable plug must not change the record")
}

func TestDiscoverAddsUnassignedPlugs(t *testing.T) {
	r, _, store := newTestReconciler(t)

	require.NoError(t, r.Discover(context.Background()))

	doc, err := store.Load(true)
	require.NoError(t, err)
	require.Len(t, doc.AvailableDevices, 3)
	assert.Equal(t, model.RoleUnassigned, doc.AvailableDevices[2].Role)
	assert.Equal(t, "cc:dd", doc.AvailableDevices[2].MAC)

	// Running again must not duplicate the entry.
	require.NoError(t, r.Discover(context.Background()))
	doc, err = store.Load(true)
	require.NoError(t, err)
	assert.Len(t, doc.AvailableDevices, 3)
}

func TestShutdownForcesEverythingOff(t *testing.T) {
	r, client, _ := newTestReconciler(t)

	require.NoError(t, r.SetDesired(context.Background(), model.RoleHeater, true))
	require.NoError(t, r.SetDesired(context.Background(), model.RoleHumidifier, true))

	r.Shutdown(context.Background())

	assert.False(t, client.state(heaterIP))
	assert.False(t, client.state("10.0.0.11"))
}
