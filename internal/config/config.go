package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Influx struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

type Statsd struct {
	Enabled   bool     `json:"enabled"`
	Addr      string   `json:"addr"`
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
}

type Config struct {
	SettingsFile string
	ConfigFile   string
	LogLevel     zerolog.Level
	LogFile      string `json:"log_file"`

	HTTPPort              int    `json:"http_port"`
	HistoryFile           string `json:"history_file"`
	HistoryRetentionHours int    `json:"history_retention_hours"`

	DeviceDebounceSeconds float64 `json:"device_debounce_seconds"`
	DeviceRetryAttempts   int     `json:"device_retry_attempts"`
	DeviceRetryBackoffMS  int     `json:"device_retry_backoff_ms"`

	SensorFailureLimit int    `json:"sensor_failure_limit"`
	SensorURL          string `json:"sensor_url"`  // empty means simulated source
	PlugSubnet         string `json:"plug_subnet"` // CIDR probed by discovery

	FanPWMPath string `json:"fan_pwm_path"` // empty means null fan driver

	Influx Influx `json:"influxdb"`
	Statsd Statsd `json:"statsd"`
}

func Load() Config {
	var cfg Config
	var logLevel string

	flag.StringVar(&cfg.SettingsFile, "settings-file", "data/settings.json", "Path to the chamber settings document")
	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.HistoryFile == "" {
		cfg.HistoryFile = "data/history.db"
	}
	if cfg.HistoryRetentionHours == 0 {
		cfg.HistoryRetentionHours = 24 * 7
	}
	if cfg.DeviceDebounceSeconds == 0 {
		cfg.DeviceDebounceSeconds = 5
	}
	if cfg.DeviceRetryAttempts == 0 {
		cfg.DeviceRetryAttempts = 3
	}
	if cfg.DeviceRetryBackoffMS == 0 {
		cfg.DeviceRetryBackoffMS = 500
	}
	if cfg.SensorFailureLimit == 0 {
		cfg.SensorFailureLimit = 5
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() {
	var problems []string

	if cfg.DeviceDebounceSeconds < 0 {
		problems = append(problems, "device_debounce_seconds must not be negative")
	}
	if cfg.DeviceRetryAttempts < 1 {
		problems = append(problems, "device_retry_attempts must be at least 1")
	}
	if cfg.SensorFailureLimit < 1 {
		problems = append(problems, "sensor_failure_limit must be at least 1")
	}
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("http_port %d out of range", cfg.HTTPPort))
	}
	if cfg.Influx.URL != "" {
		if cfg.Influx.Org == "" || cfg.Influx.Bucket == "" {
			problems = append(problems, "influxdb.org and influxdb.bucket are required when influxdb.url is set")
		}
	}
	if cfg.Statsd.Enabled && cfg.Statsd.Addr == "" {
		problems = append(problems, "statsd.addr is required when statsd is enabled")
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, ", "))
	}
}
