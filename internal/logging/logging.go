// Package logging holds the slog helpers shared by every package in the
// module.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/pboyd/hookstack/config"
)

// Format names accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// levelOff is above every standard level.
const levelOff = slog.Level(100)

// New creates a logger writing records of at least level to w. format is
// FormatText or FormatJSON, and anything else falls back to text.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, FormatJSON) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewDiscardLogger creates a logger that discards all output.
// Useful for tests or when logging should be completely suppressed.
func NewDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: levelOff}))
}

// FromConfig creates a logger writing to w as cfg describes. A level of
// "off" or an empty level discards everything.
func FromConfig(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	if cfg.Level == "" || LevelFromString(cfg.Level) == levelOff {
		return NewDiscardLogger()
	}
	return New(w, LevelFromString(cfg.Level), cfg.Format)
}

// LevelFromString converts a string to a slog.Level.
// Supports: debug, info, warn, error, off (case-insensitive).
// Returns slog.LevelInfo for unrecognized strings.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "off", "none":
		return levelOff
	default:
		return slog.LevelInfo
	}
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return NewDiscardLogger()
	}
	return l
}

// Component tags l with the name of the subsystem doing the logging.
func Component(l *slog.Logger, name string) *slog.Logger {
	return OrDiscard(l).With("component", name)
}

// Tee returns a logger that also sends every record to extra. Handlers
// added with With or WithGroup apply to all of them. Nil handlers are
// skipped.
func Tee(l *slog.Logger, extra ...slog.Handler) *slog.Logger {
	out := fanout{OrDiscard(l).Handler()}
	for _, h := range extra {
		if h != nil {
			out = append(out, h)
		}
	}
	if len(out) == 1 {
		return OrDiscard(l)
	}
	return slog.New(out)
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(f, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}
