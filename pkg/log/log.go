// Package log configures DataKit's structured logging on top of
// log/slog: a process-wide handler plus per-component tagged loggers.
package log

import (
	"context"
	"log/slog"
	"os"
)

// Setup installs the process-wide default slog handler.
func Setup(logLevel string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// WithModule tags a logger with the component emitting through it.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

type contextKey struct{}

// WithContext attaches logger to ctx, so code holding only the context can
// log with the same request-scoped fields via FromContext.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger attached by WithContext, or the default
// logger if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
