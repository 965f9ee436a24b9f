// Package logging owns process-wide logger setup and the printf-style helpers
// used at call sites.
package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger returns the configured process logger for structured events.
func Logger() zerolog.Logger {
	return log.Logger
}

func Tracef(format string, args ...any) {
	log.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	log.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	log.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	log.Error().Msgf(format, args...)
}

// Logf logs at info level without a caller prefix, for test narration.
func Logf(format string, args ...any) {
	log.Info().Msgf(format, args...)
}
