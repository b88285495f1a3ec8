package observer

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// memStore collects exported span records.
type memStore struct {
	mu    sync.Mutex
	spans []SpanRecord
}

func (m *memStore) SaveSpans(_ context.Context, spans []SpanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, spans...)
	return nil
}

func (m *memStore) all() []SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SpanRecord(nil), m.spans...)
}

func TestStoreExporterWritesRecords(t *testing.T) {
	store := &memStore{}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(newStoreExporter(store, true))),
	)
	defer tp.Shutdown(context.Background())

	tracer := tp.Tracer("test")
	_, span := tracer.Start(context.Background(), "llm_call")
	span.SetAttributes(
		attribute.String("input_preview", "email bob@example.com please"),
		attribute.Int64("llm.total_tokens", 120),
		attribute.Float64("cost_usd", 0.004),
	)
	span.End()

	spans := store.all()
	if len(spans) != 1 {
		t.Fatalf("len(spans) = %d, want 1", len(spans))
	}
	rec := spans[0]
	if rec.Name != "llm_call" {
		t.Errorf("Name = %q, want llm_call", rec.Name)
	}
	if rec.TraceID == "" || rec.SpanID == "" {
		t.Error("missing trace or span id")
	}
	if !rec.Success {
		t.Error("Success = false, want true for unset status")
	}
	if rec.TokensUsed != 120 {
		t.Errorf("TokensUsed = %d, want 120", rec.TokensUsed)
	}
	if rec.CostUSD != 0.004 {
		t.Errorf("CostUSD = %v, want 0.004", rec.CostUSD)
	}
	if strings.Contains(rec.Attributes["input_preview"], "bob@example.com") {
		t.Errorf("attribute not redacted: %q", rec.Attributes["input_preview"])
	}
}

func TestConsoleExporterEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(newConsoleExporter(&buf, false))),
	)
	defer tp.Shutdown(context.Background())

	tracer := tp.Tracer("test")
	_, span := tracer.Start(context.Background(), "tool_web_search")
	span.End()

	out := buf.String()
	if !strings.Contains(out, `"name":"tool_web_search"`) {
		t.Errorf("console output missing span name: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("console output not newline terminated")
	}
}
