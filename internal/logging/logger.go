// Package logging provides structured, component-prefixed logging on top of
// log/slog, colorized in text mode via lmittmann/tint.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler used for text output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls how a Logger renders output.
type Config struct {
	Level  slog.Level
	Format Format
	Output io.Writer
	// Silent discards everything; used by tests that don't want log noise.
	Silent bool
}

// DefaultConfig returns sensible defaults: info level, colorized text, stderr.
func DefaultConfig() Config {
	return Config{Level: slog.LevelInfo, Format: FormatText}
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger wraps a component-scoped *slog.Logger. Every engine component takes
// one of these as an explicit constructor argument rather than reaching for a
// package-level global.
type Logger struct {
	slog   *slog.Logger
	silent bool
}

// New creates a root Logger for the given component name.
func New(component string, cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Silent {
		output = io.Discard
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: cfg.Level})
	default:
		handler = newTintHandler(output, cfg.Level)
	}

	return &Logger{
		slog:   slog.New(handler).With("component", component),
		silent: cfg.Silent,
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.slog.DebugContext(ctx, msg, args...)
}
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.slog.InfoContext(ctx, msg, args...)
}
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.slog.WarnContext(ctx, msg, args...)
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.slog.ErrorContext(ctx, msg, args...)
}

// With returns a child Logger with additional structured attributes bound,
// e.g. logger.With("stream", name).
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), silent: l.silent}
}

// Slog exposes the underlying *slog.Logger for callers that need it verbatim
// (e.g. handing it to a third-party library that accepts *slog.Logger).
func (l *Logger) Slog() *slog.Logger { return l.slog }
