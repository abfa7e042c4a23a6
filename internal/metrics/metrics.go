package metrics

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/config"
)

var dogstatsd *statsd.Client

// Init creates the DogStatsD client. All emitters are nil-safe, so a failed
// or disabled init simply turns metrics into no-ops.
func Init(cfg config.Statsd) {
	if !cfg.Enabled {
		return
	}

	var err error
	dogstatsd, err = statsd.New(cfg.Addr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return
	}

	dogstatsd.Namespace = cfg.Namespace
	dogstatsd.Tags = cfg.Tags

	log.Info().
		Str("addr", cfg.Addr).
		Str("namespace", cfg.Namespace).
		Strs("tags", cfg.Tags).
		Msg("Statsd metrics initialized")
}

func Gauge(name string, value float64, tags ...string) {
	if dogstatsd != nil {
		if err := dogstatsd.Gauge(name, value, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
		}
	}
}

func Count(name string, value int64, tags ...string) {
	if dogstatsd != nil {
		if err := dogstatsd.Count(name, value, tags, 1); err != nil {
			log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
		}
	}
}
