package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/metrics"
	"github.com/mattvenn/chamber-controller/internal/model"
	"github.com/mattvenn/chamber-controller/internal/plug"
	"github.com/mattvenn/chamber-controller/internal/retry"
	"github.com/mattvenn/chamber-controller/internal/settings"
)

type command struct {
	state bool
	at    time.Time
}

// Reconciler owns every actuator state transition. Desired states go through
// a confirmed network round trip before they are persisted, repeat commands
// are debounced, and unreachable plugs leave a pending intent that the next
// reconcile pass retries.
type Reconciler struct {
	store    *settings.Store
	client   plug.Client
	policy   retry.Policy
	debounce time.Duration

	mu      sync.Mutex
	last    map[model.DeviceRole]command
	pending map[model.DeviceRole]bool

	now func() time.Time // test seam
}

func New(store *settings.Store, client plug.Client, policy retry.Policy, debounce time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		client:   client,
		policy:   policy,
		debounce: debounce,
		last:     make(map[model.DeviceRole]command),
		pending:  make(map[model.DeviceRole]bool),
		now:      time.Now,
	}
}

// SetDesired drives the role's plug to the requested state. Inside the
// debounce window a repeat of the last confirmed state is dropped and a state
// change is held as a pending intent for a later reconcile pass, so the relay
// never switches more than once per window.
func (r *Reconciler) SetDesired(ctx context.Context, role model.DeviceRole, on bool) error {
	r.mu.Lock()
	if c, ok := r.last[role]; ok && r.now().Sub(c.at) < r.debounce {
		if c.state == on {
			// The caller wants the state we already hold; any deferred
			// opposite intent was a damped oscillation.
			delete(r.pending, role)
			r.mu.Unlock()
			return nil
		}
		r.pending[role] = on
		r.mu.Unlock()
		log.Debug().
			Str("role", string(role)).
			Bool("desired", on).
			Msg("State change deferred by debounce window")
		return nil
	}
	r.mu.Unlock()

	return r.apply(ctx, role, on)
}

// ForceDesired bypasses the debounce, for large disturbances that must not
// wait out the window.
func (r *Reconciler) ForceDesired(ctx context.Context, role model.DeviceRole, on bool) error {
	return r.apply(ctx, role, on)
}

func (r *Reconciler) apply(ctx context.Context, role model.DeviceRole, on bool) error {
	doc, _ := r.store.Load(false)
	dev := doc.Device(role)
	if dev == nil {
		return fmt.Errorf("%w: %s", settings.ErrNoDevice, role)
	}

	err := r.policy.Do(ctx, "plug.set_state", func() error {
		return r.client.SetState(ctx, dev.IP, on)
	})

	if err != nil {
		r.mu.Lock()
		r.pending[role] = on
		r.mu.Unlock()

		log.Warn().
			Err(err).
			Str("role", string(role)).
			Str("ip", dev.IP).
			Bool("desired", on).
			Msg("Device unreachable, intent held for next reconcile pass")
		metrics.Count("device.command_failures", 1, "role:"+string(role))
		return fmt.Errorf("set %s to %v: %w", role, on, err)
	}

	r.mu.Lock()
	if c, ok := r.last[role]; !ok || c.state != on {
		// Only an actual relay transition restarts the debounce clock; a
		// reissued identical command does not.
		r.last[role] = command{state: on, at: r.now()}
	}
	delete(r.pending, role)
	r.mu.Unlock()

	log.Info().
		Str("role", string(role)).
		Str("ip", dev.IP).
		Bool("state", on).
		Msg("Device state confirmed")

	return r.store.SetDeviceState(role, on)
}

// State returns the last persisted confirmed state for the role.
func (r *Reconciler) State(role model.DeviceRole) (bool, error) {
	return r.store.GetDeviceState(role)
}

// Reconcile compares each assigned plug's observed state with the persisted
// record. Pending intents are retried first; otherwise observation wins and
// the persisted record is corrected.
func (r *Reconciler) Reconcile(ctx context.Context) {
	doc, _ := r.store.Load(false)

	for _, dev := range doc.AvailableDevices {
		if dev.Role == model.RoleUnassigned {
			continue
		}

		actual, err := r.client.GetState(ctx, dev.IP)
		if err != nil {
			log.Debug().
				Err(err).
				Str("role", string(dev.Role)).
				Str("ip", dev.IP).
				Msg("Plug unreachable during reconcile")
			continue
		}

		r.mu.Lock()
		want, hasPending := r.pending[dev.Role]
		r.mu.Unlock()

		if hasPending {
			if actual == want {
				r.mu.Lock()
				delete(r.pending, dev.Role)
				r.mu.Unlock()
				if err := r.store.SetDeviceState(dev.Role, actual); err != nil {
					log.Error().Err(err).Str("role", string(dev.Role)).Msg("Failed to persist reconciled state")
				}
				continue
			}
			if err := r.SetDesired(ctx, dev.Role, want); err != nil {
				log.Warn().Err(err).Str("role", string(dev.Role)).Msg("Pending intent not applied this pass")
			}
			continue
		}

		if actual != dev.State {
			log.Warn().
				Str("role", string(dev.Role)).
				Str("ip", dev.IP).
				Bool("persisted", dev.State).
				Bool("observed", actual).
				Msg("Device state drift detected, adopting observed state")
			metrics.Count("device.drift", 1, "role:"+string(dev.Role))

			if err := r.store.SetDeviceState(dev.Role, actual); err != nil {
				log.Error().Err(err).Str("role", string(dev.Role)).Msg("Failed to persist drift correction")
			}
		}
	}
}

// Discover sweeps the subnet and records any plug not yet in the document as
// unassigned, so an operator can give it a role later.
func (r *Reconciler) Discover(ctx context.Context) error {
	found, err := r.client.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover plugs: %w", err)
	}

	doc, err := r.store.Load(true)
	if err != nil && !errors.Is(err, settings.ErrCorrupt) {
		return err
	}

	known := make(map[string]bool, len(doc.AvailableDevices))
	for _, dev := range doc.AvailableDevices {
		known[dev.MAC] = true
	}

	added := 0
	for _, info := range found {
		if known[info.MAC] {
			continue
		}
		doc.AvailableDevices = append(doc.AvailableDevices, model.DeviceRecord{
			Name:  fmt.Sprintf("plug-%s", info.MAC),
			IP:    info.IP,
			MAC:   info.MAC,
			Model: info.Model,
			Role:  model.RoleUnassigned,
		})
		added++
		log.Info().
			Str("ip", info.IP).
			Str("mac", info.MAC).
			Str("model", info.Model).
			Msg("Discovered new plug")
	}

	if added == 0 {
		return nil
	}
	return r.store.Save(doc)
}

// Shutdown forces every assigned actuator off, best effort.
func (r *Reconciler) Shutdown(ctx context.Context) {
	for _, role := range []model.DeviceRole{model.RoleHeater, model.RoleHumidifier} {
		if err := r.ForceDesired(ctx, role, false); err != nil {
			if errors.Is(err, settings.ErrNoDevice) {
				continue
			}
			log.Error().Err(err).Str("role", string(role)).Msg("Failed to switch device off during shutdown")
		}
	}
}
