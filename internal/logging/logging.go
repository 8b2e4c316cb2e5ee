// Package logging adapts log/slog to the outboxsync.Logger interface.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/imarsiglia/outboxsync"
)

// Adapter implements outboxsync.Logger on top of a *slog.Logger.
type Adapter struct {
	l *slog.Logger
}

// New builds a JSON (or text) slog logger writing to w.
func New(w io.Writer, format string, level slog.Level) *Adapter {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return Wrap(slog.New(h))
}

// Wrap adapts an existing logger; nil means slog.Default().
func Wrap(l *slog.Logger) *Adapter {
	if l == nil {
		l = slog.Default()
	}
	return &Adapter{l: l}
}

// With returns an adapter that adds attrs to every record.
func (a *Adapter) With(args ...any) *Adapter {
	return &Adapter{l: a.l.With(args...)}
}

// Slog exposes the underlying logger.
func (a *Adapter) Slog() *slog.Logger { return a.l }

func (a *Adapter) Info(ctx context.Context, format string, args ...any) {
	a.log(ctx, slog.LevelInfo, format, args)
}

func (a *Adapter) Warn(ctx context.Context, format string, args ...any) {
	a.log(ctx, slog.LevelWarn, format, args)
}

func (a *Adapter) Error(ctx context.Context, format string, args ...any) {
	a.log(ctx, slog.LevelError, format, args)
}

func (a *Adapter) log(ctx context.Context, level slog.Level, format string, args []any) {
	if !a.l.Enabled(ctx, level) {
		return
	}
	a.l.Log(ctx, level, fmt.Sprintf(format, args...))
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging: %w", err)
	}
	return level, nil
}

var _ outboxsync.Logger = (*Adapter)(nil)
