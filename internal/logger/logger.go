// Package logger wraps log/slog behind a small interface so the engine,
// the HTTP service and the CLI can share one handler configuration.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is what components take in their options. Tests pass a
// buffer-backed logger or Discard.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

type slogLogger struct {
	*slog.Logger
}

func (l slogLogger) With(args ...any) Logger {
	return slogLogger{l.Logger.With(args...)}
}

func (l slogLogger) WithGroup(name string) Logger {
	return slogLogger{l.Logger.WithGroup(name)}
}

func New(handler slog.Handler) Logger {
	return slogLogger{slog.New(handler)}
}

// Default writes text records at info level to stderr.
func Default() Logger {
	return New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level}))
}

func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard drops every record.
func Discard() Logger {
	return New(slog.DiscardHandler)
}

// Build picks a handler by format name: "json", "text" or anything else
// for the terminal handler.
func Build(w io.Writer, format string, level slog.Level) Logger {
	switch format {
	case "json":
		return JSON(w, level)
	case "text":
		return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return Pretty(w, level)
	}
}

// ForGeneration tags every record with the generation id. The terminal
// handler prints it as a line prefix.
func ForGeneration(l Logger, id string) Logger {
	return l.With(PrefixKey, id)
}

// ParseLevel maps a lower-case level name to slog.Level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch level {
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

type contextKey struct{}

func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored by WithContext, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(contextKey{}).(Logger); ok {
		return l
	}
	return Default()
}
