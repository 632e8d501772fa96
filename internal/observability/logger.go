// Package observability holds the broker's ambient concerns: structured
// logging, Prometheus metrics, and resource sampling, grounded on
// ws/internal/shared/monitoring and ws/internal/single/platform in the
// teacher repo.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects the logger's output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// LoggerConfig mirrors the teacher's LoggerConfig
// (ws/internal/shared/monitoring/logger.go), trimmed to what this module
// exposes via its own config.
type LoggerConfig struct {
	Level  string
	Format LogFormat
}

// NewLogger builds a zerolog.Logger the same way the teacher does: JSON by
// default (Loki-friendly), pretty console output in development, always
// carrying a timestamp, caller, and a fixed service field.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().Timestamp().Caller().Str("service", "broker-ws").Logger()
}
