// Package observability builds the relay's logger and metrics.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// NewLogger returns the root logger for app. Console output is meant for
// humans, JSON output for log shippers.
func NewLogger(w io.Writer, app, format, level string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := w
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Str("app", app).Logger(), nil
}

// ParseLevel maps a configured level name to a zerolog level. An empty name
// means info.
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off", "none":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}
