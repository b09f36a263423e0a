// Package logging configures the process-wide zerolog logger and hands out
// component loggers derived from it.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a LOG_LEVEL value.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config selects the minimum level and the output format.
type Config struct {
	Level LogLevel

	// Pretty writes colored console lines instead of JSON.
	Pretty bool

	// Output defaults to stderr.
	Output io.Writer
}

// DefaultConfig logs JSON at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from LOG_LEVEL-style settings.
func FromEnv(level string, pretty bool) Config {
	cfg := DefaultConfig()
	if level != "" {
		cfg.Level = LogLevel(level)
	}
	cfg.Pretty = pretty
	return cfg
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to zerolog.Level. Unknown names map to
// info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug:
//   - Cache hits by layer and key
//   - Limiter waits, unit state transitions
//   - Individual API requests
//
// Info:
//   - Run start and finish, batch start
//   - Limiter ceiling changes while relaxing
//
// Warn:
//   - Retries and throttled responses
//   - Limiter scale-down on high remote usage
//   - Partial or failed units
//   - Cache backend and sink failures
//
// Error:
//   - Auth failures and run aborts
//   - Panics recovered into batch failures
//
// Context Fields:
//   - component: emitting package
//   - run_id, project_id: run scope
//   - unit: REGION:IDENTIFIER
//   - operation: resolve, estimate_baseline, estimate_targeted
//   - kind: error kind
//   - limiter: lookup or estimate
