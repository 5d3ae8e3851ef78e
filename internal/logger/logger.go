package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Component loggers derive from it
// via With(); nothing in this package is module-level mutable state beyond
// this single instance, which is set once by Initialize at process start.
var Log zerolog.Logger

// Initialize sets up the global logger with the given level and format.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "autoweaved").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

// PluginHost creates a logger for plugin lifecycle events.
func PluginHost() *zerolog.Logger {
	l := Log.With().Str("component", "pluginhost").Logger()
	return &l
}

// Security creates a logger for the security boundary / IPC channel.
func Security() *zerolog.Logger {
	l := Log.With().Str("component", "security").Logger()
	return &l
}

// Enforcer creates a logger for resource enforcement events.
func Enforcer() *zerolog.Logger {
	l := Log.With().Str("component", "enforcer").Logger()
	return &l
}

// Dispatcher creates a logger for queue/worker-pool events.
func Dispatcher() *zerolog.Logger {
	l := Log.With().Str("component", "dispatcher").Logger()
	return &l
}

// Stream creates a logger for the Redis stream consumer.
func Stream() *zerolog.Logger {
	l := Log.With().Str("component", "stream").Logger()
	return &l
}

// Lifecycle creates a logger for start/stop orchestration.
func Lifecycle() *zerolog.Logger {
	l := Log.With().Str("component", "lifecycle").Logger()
	return &l
}

// HTTP creates a logger for the admin HTTP surface.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}

// Plugin creates a structured per-plugin logger, tagging every entry with
// the plugin id so logs can be filtered per plugin in aggregation.
func Plugin(pluginID string) *zerolog.Logger {
	l := Log.With().Str("component", "plugin").Str("plugin_id", pluginID).Logger()
	return &l
}
