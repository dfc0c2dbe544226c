package logger

import (
	"context"
	"io"
	"log/slog"
)

const ansiReset = "\033[0m"

// ColorTextHandler is a slog.TextHandler that prefixes each message with a
// colored level tag. Intended for interactive terminals.
type ColorTextHandler struct {
	inner slog.Handler
}

// NewColorTextHandler creates a ColorTextHandler writing to w. When showTime is
// false the time attribute is dropped.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	if !showTime {
		user := o.ReplaceAttr
		o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if user != nil {
				return user(groups, a)
			}
			return a
		}
	}
	return &ColorTextHandler{inner: slog.NewTextHandler(w, &o)}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = levelColor(r.Level) + r.Level.String() + ansiReset + "  " + r.Message
	return h.inner.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name)}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}
