// Package logging configures the structured loggers used by every
// long-lived component in mrpeer (Peer, Coordinator, Worker, Gatherer,
// Scatterer), built on zerolog.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// New returns a component-scoped logger. format is read from
// MRPEER_LOG_FORMAT: "json" (default, suitable for production log
// shipping) or "console" (human-readable, for local development).
//
// Example:
//
//	log := logging.New("coordinator")
//	log.Info().Str("job", jobID).Msg("job started")
func New(component string) zerolog.Logger {
	var w = os.Stderr
	var out zerolog.ConsoleWriter
	useConsole := strings.EqualFold(os.Getenv("MRPEER_LOG_FORMAT"), "console")

	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("MRPEER_LOG_LEVEL")); err == nil {
		level = lv
	}

	if useConsole {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		return zerolog.New(out).Level(level).With().Timestamp().Str("component", component).Logger()
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}
