package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type DeviceRole string

const (
	RoleHeater     DeviceRole = "heater"
	RoleHumidifier DeviceRole = "humidifier"
	RoleUnassigned DeviceRole = "unassigned"
)

// DeviceRecord describes one smart plug known to the system. State is the
// last confirmed physical state, never an aspiration.
type DeviceRecord struct {
	Name  string     `json:"name"`
	IP    string     `json:"ip"`
	MAC   string     `json:"mac"`
	Model string     `json:"model"`
	Role  DeviceRole `json:"role"`
	State bool       `json:"state"`
}

// PhaseSettings is the setpoint bundle for one growth phase.
type PhaseSettings struct {
	TempSetpoint   float64 `json:"temp_setpoint"`
	TempHysteresis float64 `json:"temp_hysteresis"`
	CO2Setpoint    float64 `json:"co2_setpoint"`
	RHSetpoint     float64 `json:"rh_setpoint"`
	RHHysteresis   float64 `json:"rh_hysteresis"`
}

type EnvironmentSettings struct {
	CurrentPhase string                   `json:"current_phase"`
	Phases       map[string]PhaseSettings `json:"phases"`
}

type FanSettings struct {
	Speed         float64 `json:"speed"`
	ManualControl bool    `json:"manual_control"`
}

type SensorSettings struct {
	MeasurementInterval int `json:"measurement_interval"` // seconds
}

type LoggingSettings struct {
	Interval int `json:"interval"` // seconds
}

// SettingsDocument is the persisted configuration and actuator-state document.
type SettingsDocument struct {
	Environment      EnvironmentSettings `json:"environment"`
	Fan              FanSettings         `json:"fan"`
	Sensor           SensorSettings      `json:"sensor"`
	Logging          LoggingSettings     `json:"logging"`
	AvailableDevices []DeviceRecord      `json:"available_devices"`

	// Unknown carries top-level keys this version does not model, so that
	// externally added keys survive a load/save round trip.
	Unknown map[string]json.RawMessage `json:"-"`
}

var knownKeys = []string{"environment", "fan", "sensor", "logging", "available_devices"}

func (d *SettingsDocument) UnmarshalJSON(data []byte) error {
	type alias SettingsDocument
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Unknown = raw
	}

	*d = SettingsDocument(a)
	return nil
}

func (d SettingsDocument) MarshalJSON() ([]byte, error) {
	type alias SettingsDocument
	data, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Unknown) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Unknown {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Validate checks the invariants a usable document must hold.
func (d *SettingsDocument) Validate() error {
	if len(d.Environment.Phases) == 0 {
		return fmt.Errorf("settings: no growth phases defined")
	}
	if _, ok := d.Environment.Phases[d.Environment.CurrentPhase]; !ok {
		return fmt.Errorf("settings: current phase %q does not exist", d.Environment.CurrentPhase)
	}
	if d.Sensor.MeasurementInterval <= 0 {
		return fmt.Errorf("settings: measurement interval must be positive")
	}
	if d.Logging.Interval <= 0 {
		return fmt.Errorf("settings: logging interval must be positive")
	}
	return nil
}

// CurrentPhase returns the active phase's settings.
func (d *SettingsDocument) CurrentPhase() (PhaseSettings, bool) {
	p, ok := d.Environment.Phases[d.Environment.CurrentPhase]
	return p, ok
}

// Device returns a pointer into AvailableDevices for the given role.
func (d *SettingsDocument) Device(role DeviceRole) *DeviceRecord {
	for i := range d.AvailableDevices {
		if d.AvailableDevices[i].Role == role {
			return &d.AvailableDevices[i]
		}
	}
	return nil
}

// Clone returns a deep copy via a JSON round trip. A document that fails the
// round trip, which only malformed raw bytes in Unknown can cause, yields an
// empty document; the empty copy fails Validate so it can never be persisted.
func (d *SettingsDocument) Clone() *SettingsDocument {
	data, err := json.Marshal(d)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clone settings document, returning empty copy")
		return &SettingsDocument{}
	}
	var out SettingsDocument
	if err := json.Unmarshal(data, &out); err != nil {
		log.Error().Err(err).Msg("Failed to clone settings document, returning empty copy")
		return &SettingsDocument{}
	}
	return &out
}

// DefaultDocument is the document created on first start.
func DefaultDocument() *SettingsDocument {
	return &SettingsDocument{
		Environment: EnvironmentSettings{
			CurrentPhase: "colonisation",
			Phases: map[string]PhaseSettings{
				"colonisation": {
					TempSetpoint:   27.0,
					TempHysteresis: 0.5,
					CO2Setpoint:    1000,
					RHSetpoint:     85.0,
					RHHysteresis:   2.0,
				},
				"fruiting": {
					TempSetpoint:   22.0,
					TempHysteresis: 0.5,
					CO2Setpoint:    550,
					RHSetpoint:     85.0,
					RHHysteresis:   2.0,
				},
			},
		},
		Fan:     FanSettings{Speed: 50},
		Sensor:  SensorSettings{MeasurementInterval: 5},
		Logging: LoggingSettings{Interval: 30},
	}
}

// Measurement is one sensor reading. It is forwarded to the logging sink but
// never persisted in the settings document.
type Measurement struct {
	CO2         float64   `json:"co2"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}
