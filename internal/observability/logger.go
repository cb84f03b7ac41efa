// Package observability builds the logger and metrics shared by the client's
// components.
package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error; empty disables logging
	Format string `yaml:"format"` // json or console
}

// NewLogger returns a logger writing to w (stderr when nil). An empty level
// yields a disabled logger.
func NewLogger(cfg LogConfig, w io.Writer) (zerolog.Logger, error) {
	if strings.TrimSpace(cfg.Level) == "" {
		return zerolog.Nop(), nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if w == nil {
		w = os.Stderr
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
	case "console", "text":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "snowquery").Logger(), nil
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
