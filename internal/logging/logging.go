// Package logging builds the process logger. Records below ERROR go to one
// writer and ERROR records to another, so alerting can watch stderr alone.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// ParseLevel maps a config level name to a slog.Level. Unknown names map to
// info.
func ParseLevel(name string) slog.Level {
	switch name {
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

// New returns a JSON logger writing to stdout and stderr.
func New(level slog.Level) *slog.Logger {
	return slog.New(NewSplitHandler(os.Stdout, os.Stderr, level))
}

// SplitHandler routes records by level between two JSON handlers.
type SplitHandler struct {
	out slog.Handler
	err slog.Handler
}

// NewSplitHandler creates a handler writing records below ERROR to out and
// the rest to errOut.
func NewSplitHandler(out, errOut io.Writer, level slog.Level) *SplitHandler {
	opts := &slog.HandlerOptions{Level: level}
	return &SplitHandler{
		out: slog.NewJSONHandler(out, opts),
		err: slog.NewJSONHandler(errOut, opts),
	}
}

func (h *SplitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.out.Enabled(ctx, level)
}

func (h *SplitHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		return h.err.Handle(ctx, r)
	}
	return h.out.Handle(ctx, r)
}

func (h *SplitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SplitHandler{out: h.out.WithAttrs(attrs), err: h.err.WithAttrs(attrs)}
}

func (h *SplitHandler) WithGroup(name string) slog.Handler {
	return &SplitHandler{out: h.out.WithGroup(name), err: h.err.WithGroup(name)}
}
