package observer

import (
	"context"
	"fmt"

	mantle "github.com/ajisaka/mantle"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements mantle.Tracer using OpenTelemetry.
type otelTracer struct {
	inst *Instruments
}

// NewTracer returns a mantle.Tracer backed by the configured OTEL
// TracerProvider. Call observer.Init first; otherwise spans go to a
// no-op backend. String attribute values are redacted per the Init
// redaction setting.
func NewTracer(inst *Instruments) mantle.Tracer {
	return &otelTracer{inst: inst}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...mantle.SpanAttr) (context.Context, mantle.Span) {
	ctx, span := t.inst.Tracer.Start(ctx, name, trace.WithAttributes(t.convert(attrs)...))
	return ctx, &otelSpan{inner: span, inst: t.inst}
}

func (t *otelTracer) convert(attrs []mantle.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = toOTELAttr(t.inst, a)
	}
	return out
}

// otelSpan implements mantle.Span using an OTEL trace.Span.
type otelSpan struct {
	inner trace.Span
	inst  *Instruments
}

func (s *otelSpan) SetAttr(attrs ...mantle.SpanAttr) {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = toOTELAttr(s.inst, a)
	}
	s.inner.SetAttributes(out...)
}

func (s *otelSpan) Event(name string, attrs ...mantle.SpanAttr) {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = toOTELAttr(s.inst, a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(out...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

// toOTELAttr converts a mantle.SpanAttr to an OTEL attribute.KeyValue,
// redacting string values.
func toOTELAttr(inst *Instruments, a mantle.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, inst.scrub(v))
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, inst.scrub(fmt.Sprintf("%v", v)))
	}
}

// compile-time checks
var (
	_ mantle.Tracer = (*otelTracer)(nil)
	_ mantle.Span   = (*otelSpan)(nil)
)
