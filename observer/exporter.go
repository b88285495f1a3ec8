package observer

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	mantle "github.com/ajisaka/mantle"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecord is the flattened form of a finished span, ready for
// relational storage. Attribute values are redacted before the record is
// built.
type SpanRecord struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	LatencyMS    int64             `json:"latency_ms"`
	Attributes   map[string]string `json:"attributes"`
	TokensUsed   int64             `json:"tokens_used"`
	CostUSD      float64           `json:"cost_usd"`
	Success      bool              `json:"success"`
	Error        string            `json:"error,omitempty"`
}

// SpanStore persists span records. The sqlite and postgres stores
// implement it.
type SpanStore interface {
	SaveSpans(ctx context.Context, spans []SpanRecord) error
}

// storeExporter adapts a SpanStore to the OTEL exporter interface.
type storeExporter struct {
	store  SpanStore
	redact *mantle.Redactor
}

func newStoreExporter(store SpanStore, redactPII bool) *storeExporter {
	e := &storeExporter{store: store}
	if redactPII {
		e.redact = mantle.NewRedactor()
	}
	return e
}

func (e *storeExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	records := make([]SpanRecord, len(spans))
	for i, s := range spans {
		records[i] = toSpanRecord(s, e.redact)
	}
	return e.store.SaveSpans(ctx, records)
}

func (e *storeExporter) Shutdown(ctx context.Context) error { return nil }

// consoleExporter writes finished spans as JSON lines.
type consoleExporter struct {
	mu     sync.Mutex
	w      io.Writer
	redact *mantle.Redactor
}

func newConsoleExporter(w io.Writer, redactPII bool) *consoleExporter {
	e := &consoleExporter{w: w}
	if redactPII {
		e.redact = mantle.NewRedactor()
	}
	return e
}

func (e *consoleExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	enc := json.NewEncoder(e.w)
	for _, s := range spans {
		if err := enc.Encode(toSpanRecord(s, e.redact)); err != nil {
			return err
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(ctx context.Context) error { return nil }

func toSpanRecord(s sdktrace.ReadOnlySpan, redact *mantle.Redactor) SpanRecord {
	sc := s.SpanContext()
	rec := SpanRecord{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       s.Name(),
		Kind:       s.SpanKind().String(),
		Start:      s.StartTime(),
		End:        s.EndTime(),
		LatencyMS:  s.EndTime().Sub(s.StartTime()).Milliseconds(),
		Attributes: make(map[string]string, len(s.Attributes())),
		Success:    s.Status().Code != codes.Error,
	}
	if s.Parent().IsValid() {
		rec.ParentSpanID = s.Parent().SpanID().String()
	}
	if s.Status().Code == codes.Error {
		rec.Error = s.Status().Description
	}

	for _, kv := range s.Attributes() {
		key := string(kv.Key)
		val := kv.Value.Emit()
		if redact != nil {
			val = redact.Redact(val)
		}
		rec.Attributes[key] = val

		switch kv.Key {
		case AttrLLMTotalTokens, AttrTokensUsed:
			if kv.Value.Type() == attribute.INT64 {
				rec.TokensUsed = kv.Value.AsInt64()
			}
		case AttrCostUSD:
			if kv.Value.Type() == attribute.FLOAT64 {
				rec.CostUSD = kv.Value.AsFloat64()
			}
		}
	}
	return rec
}

// compile-time checks
var (
	_ sdktrace.SpanExporter = (*storeExporter)(nil)
	_ sdktrace.SpanExporter = (*consoleExporter)(nil)
)
