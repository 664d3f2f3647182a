package config

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger builds the process-wide zerolog.Logger: pretty console output
// in development, JSON in production, selected by NodeEnv. Call once at
// startup and set it as zerolog's global logger; every package logs through
// that global (github.com/rs/zerolog/log), with no per-request child logger.
func (c *Config) NewLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if c.IsProduction() {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

// SetGlobalLogger installs l as zerolog's package-level logger, matching
// the teacher's convention of a single bootstrap assignment in main.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
