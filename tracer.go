package diligent

import "context"

// Tracer creates spans for tracing turns, compaction runs, and retry
// attempts. When no Tracer is configured, the agent loop and session
// manager skip span creation (nil check) — no OTEL exporter is wired by
// default; this interface is the boundary a concrete backend would
// implement.
type Tracer interface {
	// Start creates a new span with the given name and optional
	// attributes. Returns a child context carrying the span and the span
	// itself. Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents one traced operation. Callers must call End() exactly
// once.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr      { return SpanAttr{Key: k, Value: v} }
func IntAttr(k string, v int) SpanAttr     { return SpanAttr{Key: k, Value: v} }
func BoolAttr(k string, v bool) SpanAttr   { return SpanAttr{Key: k, Value: v} }
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }

// noopSpan discards everything; startSpan falls back to it when tr is nil
// so call sites never need a nil check of their own.
type noopSpan struct{}

func (noopSpan) SetAttr(...SpanAttr)       {}
func (noopSpan) Event(string, ...SpanAttr) {}
func (noopSpan) Error(error)                {}
func (noopSpan) End()                       {}

// startSpan starts a span on tr if non-nil, else returns ctx unchanged and
// a no-op span.
func startSpan(ctx context.Context, tr Tracer, name string, attrs ...SpanAttr) (context.Context, Span) {
	if tr == nil {
		return ctx, noopSpan{}
	}
	return tr.Start(ctx, name, attrs...)
}
