// Package logging constructs the zerolog loggers used across the analysis
// engines. Components receive a zerolog.Logger value tagged with their
// component name; they never build their own sinks.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a structured JSON logger writing to w at the given level.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// NewConsole returns a human-readable console logger on stderr, used by the
// CLI. Analysis output goes to stdout, diagnostics to stderr.
func NewConsole(level zerolog.Level) zerolog.Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr}, level)
}

// Nop returns a disabled logger for tests and callers that opt out of
// diagnostics.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info for
// unknown values.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
