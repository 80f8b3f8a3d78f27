package httpapi

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func NewLogger(level string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, level, "json")
}

// NewLoggerTo builds the service logger on w. format "console" gives
// human-readable output for local runs; anything else is JSON.
func NewLoggerTo(w io.Writer, level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(level))

	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", "agrisync").Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
