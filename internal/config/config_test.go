package config

import (
	"testing"
)

func TestValidate_Valid(t *testing.T) {
	cfg := Config{
		HTTPPort:              8080,
		DeviceDebounceSeconds: 5,
		DeviceRetryAttempts:   3,
		SensorFailureLimit:    5,
	}

	cfg.validate() // should not panic
}

func TestValidate_BadPort(t *testing.T) {
	cfg := Config{
		HTTPPort:            0,
		DeviceRetryAttempts: 3,
		SensorFailureLimit:  5,
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic due to invalid http port, but got none")
		}
	}()

	cfg.validate()
}

func TestValidate_InfluxMissingBucket(t *testing.T) {
	cfg := Config{
		HTTPPort:            8080,
		DeviceRetryAttempts: 3,
		SensorFailureLimit:  5,
		Influx:              Influx{URL: "http://localhost:8086", Org: "chamber"},
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic due to incomplete influx config, but got none")
		}
	}()

	cfg.validate()
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	if cfg.DeviceRetryAttempts != 3 {
		t.Errorf("expected default retry attempts 3, got %d", cfg.DeviceRetryAttempts)
	}
	if cfg.DeviceDebounceSeconds != 5 {
		t.Errorf("expected default debounce 5s, got %f", cfg.DeviceDebounceSeconds)
	}
	if cfg.HistoryRetentionHours != 168 {
		t.Errorf("expected default retention 168h, got %d", cfg.HistoryRetentionHours)
	}
}
