// Package logger builds the structured zerolog logger shared by every edge
// component. Components derive their own child logger with a "component"
// field instead of prefixing messages by hand.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a JSON logger writing to w. Production runs at info level,
// everything else at debug.
func New(env string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := zerolog.DebugLevel
	if env == "production" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Nop returns a logger that discards everything. Used as the default for
// components constructed without an explicit logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
