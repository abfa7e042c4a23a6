package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/api"
	"github.com/mattvenn/chamber-controller/internal/config"
	"github.com/mattvenn/chamber-controller/internal/controlloop"
	"github.com/mattvenn/chamber-controller/internal/controllers/co2controller"
	"github.com/mattvenn/chamber-controller/internal/controllers/humiditycontroller"
	"github.com/mattvenn/chamber-controller/internal/controllers/temperaturecontroller"
	"github.com/mattvenn/chamber-controller/internal/fan"
	"github.com/mattvenn/chamber-controller/internal/history"
	"github.com/mattvenn/chamber-controller/internal/logging"
	"github.com/mattvenn/chamber-controller/internal/metrics"
	"github.com/mattvenn/chamber-controller/internal/plug"
	"github.com/mattvenn/chamber-controller/internal/reconciler"
	"github.com/mattvenn/chamber-controller/internal/retry"
	"github.com/mattvenn/chamber-controller/internal/sensor"
	"github.com/mattvenn/chamber-controller/internal/settings"
	"github.com/mattvenn/chamber-controller/internal/sink"
	"github.com/mattvenn/chamber-controller/internal/watcher"
)

const settingsCacheTTL = time.Second

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)
	log.Info().Msg("Starting chamber controller")
	metrics.Init(cfg.Statsd)

	store, err := settings.New(cfg.SettingsFile, settingsCacheTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open settings store")
	}

	hist, err := history.Open(cfg.HistoryFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer hist.Close()

	var logSink sink.Sink = sink.NopSink{}
	if cfg.Influx.URL != "" {
		logSink = sink.NewInfluxSink(cfg.Influx)
		log.Info().Str("url", cfg.Influx.URL).Str("bucket", cfg.Influx.Bucket).Msg("InfluxDB sink enabled")
	}
	defer logSink.Close()

	plugClient := plug.NewShellyClient(cfg.PlugSubnet)
	policy := retry.Policy{
		MaxAttempts: cfg.DeviceRetryAttempts,
		Backoff:     time.Duration(cfg.DeviceRetryBackoffMS) * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
	debounce := time.Duration(cfg.DeviceDebounceSeconds * float64(time.Second))
	recon := reconciler.New(store, plugClient, policy, debounce)

	source, err := sensor.NewGuarded(func() (sensor.Source, error) {
		if cfg.SensorURL == "" {
			log.Warn().Msg("No sensor URL configured, using simulated readings")
			return sensor.NewSimulator(time.Now().UnixNano()), nil
		}
		return sensor.NewHTTPSource(cfg.SensorURL), nil
	}, cfg.SensorFailureLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sensor source")
	}
	defer source.Close()

	var driver fan.Driver = fan.NewNullDriver()
	if cfg.FanPWMPath != "" {
		driver = fan.NewPWMDriver(cfg.FanPWMPath)
	}

	co2 := co2controller.New(store, driver)
	temp := temperaturecontroller.New(store, recon)
	hum := humiditycontroller.New(store, recon)
	defer hum.Shutdown()

	w, err := watcher.New(cfg.SettingsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start settings watcher")
	}
	defer w.Close()

	if cfg.PlugSubnet != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := recon.Discover(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial plug discovery failed")
		}
		cancel()
	}

	loop := controlloop.New(controlloop.Options{
		Store:      store,
		Source:     source,
		Processors: []controlloop.Processor{co2, temp, hum},
		Actuators:  recon,
		FanDriver:  driver,
		Sink:       logSink,
		History:    hist,
		Reload:     w.Reload(),
		Resetters:  []controlloop.Resetter{source, co2},
		Retention:  time.Duration(cfg.HistoryRetentionHours) * time.Hour,
	})
	loop.Start()

	server := api.NewServer(loop, store, hist, recon)
	go func() {
		if err := server.Start(cfg.HTTPPort); err != nil {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	log.Info().Msg("Shutting down")
	loop.Stop()
}
