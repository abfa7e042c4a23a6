package controlloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/fan"
	"github.com/mattvenn/chamber-controller/internal/history"
	"github.com/mattvenn/chamber-controller/internal/metrics"
	"github.com/mattvenn/chamber-controller/internal/model"
	"github.com/mattvenn/chamber-controller/internal/sensor"
	"github.com/mattvenn/chamber-controller/internal/settings"
	"github.com/mattvenn/chamber-controller/internal/sink"
)

const (
	minMeasurementTimeout = 5 * time.Second
	stepTimeout           = 5 * time.Second
	logTimeout            = 10 * time.Second
	minSleep              = time.Second

	defaultWatchdogFloor      = 30 * time.Second
	defaultWatchdogMultiplier = 5
)

// Processor is one controller's per-cycle entry point.
type Processor interface {
	Process(ctx context.Context, m *model.Measurement) error
}

// Actuators is the slice of the reconciler the loop drives directly.
type Actuators interface {
	Reconcile(ctx context.Context)
	Shutdown(ctx context.Context)
}

// Resetter is anything holding loop state that must be cleared when the
// watchdog fires.
type Resetter interface {
	Reset()
}

// Status is a point-in-time snapshot for the operator interface. Ages label
// staleness so a caller can warn instead of silently trusting old data.
type Status struct {
	CO2          float64 `json:"co2"`
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
	FanSpeed     float64 `json:"fan_speed"`
	Heater       bool    `json:"heater_state"`
	Humidifier   bool    `json:"humidifier_state"`
	CurrentPhase string  `json:"current_phase"`

	MeasurementAgeSeconds float64 `json:"measurement_age_seconds"`
	SettingsAgeSeconds    float64 `json:"settings_age_seconds"`
	Running               bool    `json:"running"`
}

// Loop runs the sense-control-log cycle. Every sub-step carries its own
// timeout; a timed-out step is skipped for the cycle, never aborts it.
type Loop struct {
	store   *settings.Store
	source  sensor.Source
	procs   []Processor
	act     Actuators
	driver  fan.Driver
	sink    sink.Sink
	hist    *history.Store
	reload  <-chan struct{}
	resets  []Resetter
	retain  time.Duration

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastMeas    *model.Measurement
	lastMeasAt  time.Time
	lastLogAt   time.Time
	lastSuccess time.Time

	// overridable in tests
	watchdogFloor time.Duration
	watchdogMult  int
	now           func() time.Time
}

// Options carries the loop's collaborators. Sink and History may be nil.
type Options struct {
	Store      *settings.Store
	Source     sensor.Source
	Processors []Processor // run in order every cycle
	Actuators  Actuators
	FanDriver  fan.Driver
	Sink       sink.Sink
	History    *history.Store
	Reload     <-chan struct{}
	Resetters  []Resetter
	Retention  time.Duration
}

func New(opts Options) *Loop {
	s := opts.Sink
	if s == nil {
		s = sink.NopSink{}
	}
	return &Loop{
		store:         opts.Store,
		source:        opts.Source,
		procs:         opts.Processors,
		act:           opts.Actuators,
		driver:        opts.FanDriver,
		sink:          s,
		hist:          opts.History,
		reload:        opts.Reload,
		resets:        opts.Resetters,
		retain:        opts.Retention,
		watchdogFloor: defaultWatchdogFloor,
		watchdogMult:  defaultWatchdogMultiplier,
		now:           time.Now,
	}
}

// Start launches the loop as a background task. Calling it twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	l.lastSuccess = l.now()

	go l.run(ctx)
	log.Info().Msg("Control loop started")
}

// Stop is idempotent: it cancels the loop, waits for the current cycle to
// finish and switches every actuator off.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done

	ctx, cancelShutdown := context.WithTimeout(context.Background(), stepTimeout)
	defer cancelShutdown()
	l.act.Shutdown(ctx)

	log.Info().Msg("Control loop stopped, actuators off")
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	for {
		cycleStart := l.now()
		interval := l.measurementInterval()

		l.cycle(ctx, interval)
		if ctx.Err() != nil {
			return
		}

		l.consumeReload()
		l.checkWatchdog()

		sleep := interval - l.now().Sub(cycleStart)
		if sleep < minSleep {
			sleep = minSleep
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (l *Loop) cycle(ctx context.Context, interval time.Duration) {
	timeout := interval
	if timeout < minMeasurementTimeout {
		timeout = minMeasurementTimeout
	}

	mctx, cancel := context.WithTimeout(ctx, timeout)
	m, err := l.source.Read(mctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("No measurement this cycle, skipping control")
		metrics.Count("loop.skipped_cycles", 1)
		return
	}

	l.mu.Lock()
	l.lastMeas = m
	l.lastMeasAt = l.now()
	l.mu.Unlock()

	// Fixed order: CO2, then temperature, then humidity, so logs replay
	// deterministically.
	for _, p := range l.procs {
		pctx, cancel := context.WithTimeout(ctx, stepTimeout)
		if err := p.Process(pctx, m); err != nil {
			log.Warn().Err(err).Msg("Controller step failed")
		}
		cancel()
		if ctx.Err() != nil {
			return
		}
	}

	rctx, cancel := context.WithTimeout(ctx, stepTimeout)
	l.act.Reconcile(rctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	l.mu.Lock()
	l.lastSuccess = l.now()
	logDue := l.now().Sub(l.lastLogAt) >= l.loggingInterval()
	if logDue {
		l.lastLogAt = l.now()
	}
	l.mu.Unlock()

	if logDue {
		lctx, cancel := context.WithTimeout(ctx, logTimeout)
		l.logCycle(lctx, m)
		cancel()
	}
}

func (l *Loop) logCycle(ctx context.Context, m *model.Measurement) {
	status := l.Status()

	l.sink.Write(ctx, "chamber",
		map[string]string{"phase": status.CurrentPhase},
		map[string]interface{}{
			"co2":         m.CO2,
			"temperature": m.Temperature,
			"humidity":    m.Humidity,
			"fan_speed":   status.FanSpeed,
			"heater":      status.Heater,
			"humidifier":  status.Humidifier,
		},
		m.Timestamp,
	)

	if l.hist == nil {
		return
	}
	err := l.hist.Insert(history.Entry{
		Timestamp:   m.Timestamp,
		CO2:         m.CO2,
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
		FanSpeed:    status.FanSpeed,
		Heater:      status.Heater,
		Humidifier:  status.Humidifier,
		Phase:       status.CurrentPhase,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record history entry")
	}
	if l.retain > 0 {
		if err := l.hist.PruneOlderThan(l.retain); err != nil {
			log.Warn().Err(err).Msg("Failed to prune history")
		}
	}
}

// consumeReload picks up at most one pending reload signal between cycles,
// so the watcher never mutates shared state from its own goroutine.
func (l *Loop) consumeReload() {
	if l.reload == nil {
		return
	}
	select {
	case <-l.reload:
		if _, err := l.store.Load(true); err != nil {
			log.Warn().Err(err).Msg("Settings reload failed, keeping previous values")
			return
		}
		log.Info().Msg("Settings reloaded after external edit")
	default:
	}
}

// checkWatchdog fires at most once per window: after a reinitialization the
// window restarts, so a persistent stall cannot reinit every cycle.
func (l *Loop) checkWatchdog() {
	window := time.Duration(l.watchdogMult) * l.measurementInterval()
	if window < l.watchdogFloor {
		window = l.watchdogFloor
	}

	l.mu.Lock()
	stalled := l.now().Sub(l.lastSuccess) > window
	if stalled {
		l.lastSuccess = l.now()
	}
	l.mu.Unlock()

	if !stalled {
		return
	}

	log.Error().
		Dur("window", window).
		Msg("Watchdog expired, reinitializing sensor and control state")
	metrics.Count("loop.watchdog_reinits", 1)

	for _, r := range l.resets {
		r.Reset()
	}
}

// Status assembles the operator snapshot from the last measurement and the
// persisted document.
func (l *Loop) Status() Status {
	l.mu.Lock()
	m := l.lastMeas
	measAt := l.lastMeasAt
	running := l.running
	l.mu.Unlock()

	doc, _ := l.store.Load(false)

	st := Status{
		CurrentPhase:       doc.Environment.CurrentPhase,
		SettingsAgeSeconds: l.store.CacheAge().Seconds(),
		Running:            running,
	}
	if m != nil {
		st.CO2 = m.CO2
		st.Temperature = m.Temperature
		st.Humidity = m.Humidity
		st.MeasurementAgeSeconds = l.now().Sub(measAt).Seconds()
	}
	if l.driver != nil {
		st.FanSpeed = l.driver.Speed()
	}
	if dev := doc.Device(model.RoleHeater); dev != nil {
		st.Heater = dev.State
	}
	if dev := doc.Device(model.RoleHumidifier); dev != nil {
		st.Humidifier = dev.State
	}
	return st
}

// SetPhase switches the active growth phase.
func (l *Loop) SetPhase(name string) error {
	return l.store.SetCurrentPhase(name)
}

var setpointFields = map[string]bool{
	"temp_setpoint":   true,
	"temp_hysteresis": true,
	"co2_setpoint":    true,
	"rh_setpoint":     true,
	"rh_hysteresis":   true,
}

// SetSetpoint updates one field of one phase's setpoint bundle.
func (l *Loop) SetSetpoint(phase, field string, value float64) error {
	if !setpointFields[field] {
		return fmt.Errorf("unknown setpoint field %q", field)
	}
	if _, err := l.store.PhaseSettings(phase); err != nil {
		return err
	}
	return l.store.UpdateSettings(settings.Partial{
		"environment": map[string]interface{}{
			"phases": map[string]interface{}{
				phase: map[string]interface{}{field: value},
			},
		},
	})
}

// SetManualFanSpeed pins the fan to a fixed duty cycle.
func (l *Loop) SetManualFanSpeed(percent float64) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	return l.store.UpdateSettings(settings.Partial{
		"fan": map[string]interface{}{"manual_control": true, "speed": percent},
	})
}

// SetAutoFanControl returns the fan to the CO2 loop.
func (l *Loop) SetAutoFanControl() error {
	return l.store.UpdateSettings(settings.Partial{
		"fan": map[string]interface{}{"manual_control": false},
	})
}

func (l *Loop) measurementInterval() time.Duration {
	doc, _ := l.store.Load(false)
	if doc.Sensor.MeasurementInterval <= 0 {
		return 5 * time.Second
	}
	return time.Duration(doc.Sensor.MeasurementInterval) * time.Second
}

func (l *Loop) loggingInterval() time.Duration {
	doc, _ := l.store.Load(false)
	if doc.Logging.Interval <= 0 {
		return 30 * time.Second
	}
	return time.Duration(doc.Logging.Interval) * time.Second
}
