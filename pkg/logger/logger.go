// Package logger configures the process-wide zerolog logger.
// Components derive child loggers via For, so every line carries a
// "component" field.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// For returns a child logger scoped to a named component.
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}
