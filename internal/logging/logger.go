// Package logging provides slog-based structured logging for the consumer.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger so call sites can carry component scoping without
// importing slog everywhere.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the specified log level and format.
// format can be "json" or "text" (default is json).
func New(level slog.Level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location for errors and above
		AddSource: level <= slog.LevelError,
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Default returns a logger backed by slog.Default.
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

// With returns a new logger with the given attributes added.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a logger scoped to a named pipeline component.
func (l *Logger) Component(name string) *Logger {
	return l.With(slog.String("component", name))
}

// SecurityEvent logs a security-relevant failure (crypto errors, degraded
// encryption posture) at warn level with a marker attribute so it can be
// routed to monitoring.
func (l *Logger) SecurityEvent(eventType, field, detail string) {
	l.Warn("security event",
		slog.String("security_event", eventType),
		slog.String("field", field),
		slog.String("detail", detail),
	)
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo for invalid values.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the default logger for the application.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}
