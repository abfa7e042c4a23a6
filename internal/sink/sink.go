package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog/log"

	"github.com/mattvenn/chamber-controller/internal/config"
)

// Sink receives aggregated cycle results. Write is fire-and-forget: failures
// are logged, never propagated into the control loop.
type Sink interface {
	Write(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time)
	Close()
}

// InfluxSink writes line protocol through the blocking write API.
type InfluxSink struct {
	client influxdb2.Client
	api    api.WriteAPIBlocking
}

func NewInfluxSink(cfg config.Influx) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client: client,
		api:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

func (s *InfluxSink) Write(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	line := buildLine(measurement, tags, fields, ts)
	if line == "" {
		return
	}
	if err := s.api.WriteRecord(ctx, line); err != nil {
		log.Warn().Err(err).Str("measurement", measurement).Msg("Failed to write record to InfluxDB")
	}
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

// buildLine renders one line-protocol record. Keys are sorted so output is
// deterministic for tests and diffing.
func buildLine(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) string {
	if len(fields) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(escapeKey(measurement))

	tagKeys := make([]string, 0, len(tags))
	for k := range tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		b.WriteString(",")
		b.WriteString(escapeKey(k))
		b.WriteString("=")
		b.WriteString(escapeKey(tags[k]))
	}

	fieldKeys := make([]string, 0, len(fields))
	for k := range fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for i, k := range fieldKeys {
		if i == 0 {
			b.WriteString(" ")
		} else {
			b.WriteString(",")
		}
		b.WriteString(escapeKey(k))
		b.WriteString("=")
		b.WriteString(formatField(fields[k]))
	}

	b.WriteString(" ")
	b.WriteString(fmt.Sprint(ts.UTC().UnixNano()))
	return b.String()
}

func escapeKey(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ",", "_")
	return s
}

func formatField(v interface{}) string {
	switch val := v.(type) {
	case float64:
		return fmt.Sprintf("%f", val)
	case int:
		return fmt.Sprintf("%di", val)
	case int64:
		return fmt.Sprintf("%di", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%q", fmt.Sprint(val))
	}
}

// NopSink discards everything, for runs without an InfluxDB endpoint.
type NopSink struct{}

func (NopSink) Write(ctx context.Context, measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
}

func (NopSink) Close() {}
