package diligent

import (
	"context"
	"log/slog"
)

// nopLogger discards every record. Components that accept an injected
// *slog.Logger fall back to this when the caller passes nil, so call
// sites never need a nil check of their own.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// loggerOrNop returns l, or nopLogger when l is nil.
func loggerOrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return nopLogger
	}
	return l
}
