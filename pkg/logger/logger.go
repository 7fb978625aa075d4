// Package logger configures slog for calmweb.
package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup builds the process logger. Records go to stdout or logFile and,
// when buffer is non-nil, to the in-memory buffer served by the dashboard.
func Setup(logLevel string, logFile string, buffer *Buffer) *slog.Logger {
	level := getLogLevel(logLevel)

	var logWriter io.Writer = os.Stdout
	if logFile != "" && logFile != "stdout" {
		file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path provided via config.
		if err != nil {
			slog.Error("failed to open log file, logging to stdout", "file", logFile, "error", err)
		} else {
			logWriter = file
		}
	}

	handlers := []slog.Handler{slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: level})}
	if buffer != nil {
		handlers = append(handlers, buffer.Handler(level))
	}

	logger := slog.New(fanout(handlers))
	slog.SetDefault(logger)
	return logger
}

func getLogLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
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

// fanout sends every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
