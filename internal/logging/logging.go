// Package logging builds the process logger from configuration: colorized
// console output for interactive use, JSON for machine collection, and an
// optional rotating file sink that receives JSON records alongside the
// console handler.
package logging

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/MatusOllah/slogcolor"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wpamesh/meshtopo/pkg/config"
)

// Setup builds the logger described by cfg.Logging. The returned close
// function flushes the file sink when one is configured; call it on exit.
func Setup(cfg *config.Configuration) (*slog.Logger, func()) {
	level := parseLevel(cfg.Logging.Level)

	var console slog.Handler
	switch cfg.Logging.Format {
	case "json":
		console = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		opts := *slogcolor.DefaultOptions
		opts.Level = level
		console = slogcolor.NewHandler(os.Stderr, &opts)
	}

	handler := console
	closer := func() {}
	if cfg.Logging.File.Enabled {
		sink := &lumberjack.Logger{
			Filename:   cfg.Logging.File.Path,
			MaxSize:    cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
		}
		handler = fanout{console, slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})}
		closer = func() { sink.Close() }
	}

	return slog.New(handler), closer
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// fanout duplicates records to every member handler.
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
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return f
	}
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
