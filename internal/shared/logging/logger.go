// Package logging provides the narrow printf-style Logger interface
// used throughout the engine, backed by log/slog.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
)

// Logger is a minimal, printf-style logging contract. It intentionally
// mirrors the surface the teacher codebase's logging package exposes
// (Debug/Info/Warn/Error taking a format string and args), so call
// sites read the same whether they log structured fields or plain
// messages.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Nop discards everything. It's the Engine's default logger.
type Nop struct{}

func (Nop) Debug(string, ...any) {}
func (Nop) Info(string, ...any)  {}
func (Nop) Warn(string, ...any)  {}
func (Nop) Error(string, ...any) {}

// slogLogger adapts *slog.Logger to Logger.
type slogLogger struct {
	base *slog.Logger
}

// New returns a Logger backed by a text-handler slog.Logger writing to
// os.Stderr at the given level ("debug", "info", "warn", "error").
func New(level string) Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return &slogLogger{base: slog.New(handler)}
}

// FromSlog wraps an existing *slog.Logger.
func FromSlog(base *slog.Logger) Logger {
	if base == nil {
		return Nop{}
	}
	return &slogLogger{base: base}
}

// WithComponent returns a Logger that tags every record with
// component=name, matching the teacher's FromObservabilityWithComponent
// convention.
func (l *slogLogger) WithComponent(name string) Logger {
	return &slogLogger{base: l.base.With("component", name)}
}

func (l *slogLogger) Debug(format string, args ...any) { l.base.Debug(sprintf(format, args...)) }
func (l *slogLogger) Info(format string, args ...any)  { l.base.Info(sprintf(format, args...)) }
func (l *slogLogger) Warn(format string, args ...any)  { l.base.Warn(sprintf(format, args...)) }
func (l *slogLogger) Error(format string, args ...any) { l.base.Error(sprintf(format, args...)) }

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// IsNil reports whether logger is a nil interface value, or a non-nil
// interface wrapping a typed nil pointer — a common footgun when a
// *Logger field is left unset on a struct (matches the teacher's
// OrNop/IsNil pairing in internal/logging).
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

// OrNop returns logger unless it is nil (including a typed-nil wrapped
// in the interface), in which case it returns a Nop logger. Every
// component that accepts an optional Logger should route it through
// OrNop before use.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop{}
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
