// Package logging configures the process-wide zerolog logger and hands out
// component loggers derived from it.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is added to every line when set, e.g. "cache-api".
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// ParseLevel validates a level name read from configuration.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// Setup configures the global zerolog logger. Loggers obtained from
// NewLogger afterwards inherit its output and fields.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	lc := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		lc = lc.Str("service", cfg.Service)
	}
	logger := lc.Logger()

	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger

	return logger
}

func parseLevel(level LogLevel) zerolog.Level {
	l, err := ParseLevel(string(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// FromContext returns the request-scoped logger stored in ctx, falling back
// to the global logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, pattern, removed count)
//   - Edge population and conditional hits
//   - Tag index sweeps
//
// Info: Normal operation events
//   - Server startup/shutdown
//   - Redis connection established
//   - Denied requests (401/403)
//   - Store recovery after a degraded window
//
// Warn: Warning conditions that don't prevent operation
//   - Redis failures degraded to a miss
//   - Retry attempts against the origin
//   - Failed peer invalidation broadcasts
//   - Undecodable cache values
//
// Error: Error conditions requiring attention
//   - Failed source reads (after retries)
//   - Invalidation failures on mutation paths
//   - Configuration errors
//
// Context Fields:
//   - component: Emitting package (redis-store, tiered-cache, edge, origin)
//   - namespace: Domain cache namespace
//   - key / pattern: Cache key or invalidation pattern
//   - tenant / location: Restaurant and location ids
//   - status: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network)
