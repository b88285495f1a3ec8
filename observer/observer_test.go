package observer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	mantle "github.com/ajisaka/mantle"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockProvider for observer tests.
type mockProvider struct {
	name     string
	chatResp mantle.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ mantle.ChatRequest) (mantle.ChatResponse, error) {
	return m.chatResp, m.chatErr
}

// mockTool for observer tests.
type mockTool struct {
	name   string
	result any
	err    error
}

func (m *mockTool) Name() string                        { return m.name }
func (m *mockTool) Description() string                 { return "a test tool" }
func (m *mockTool) SecurityLevel() mantle.SecurityLevel { return mantle.SecuritySafe }
func (m *mockTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (m *mockTool) Execute(_ context.Context, _ json.RawMessage) (any, error) {
	return m.result, m.err
}

// mockRetriever for observer tests.
type mockRetriever struct {
	chunks []mantle.RetrievedChunk
	err    error
}

func (m *mockRetriever) Retrieve(_ context.Context, _, _ string, _ int) ([]mantle.RetrievedChunk, error) {
	return m.chunks, m.err
}

// testInstruments creates Instruments over the global OTEL providers
// (no-ops by default). Safe for testing delegation behavior without a
// real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(initConfig{redactPII: true})
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedProvider tests
// ---------------------------------------------------------------------------

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, testInstruments(t))

	if got := op.Name(); got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := mantle.ChatResponse{
		Content: "hello from LLM",
		Usage:   mantle.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, testInstruments(t))

	got, err := op.Chat(context.Background(), mantle.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", chatErr: wantErr}
	op := WrapProvider(inner, testInstruments(t))

	_, err := op.Chat(context.Background(), mantle.ChatRequest{Model: "m"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedTool tests
// ---------------------------------------------------------------------------

func TestObservedToolDelegates(t *testing.T) {
	inner := &mockTool{name: "calc", result: "42"}
	ot := WrapTool(inner, testInstruments(t))

	if got := ot.Name(); got != "calc" {
		t.Errorf("Name() = %q, want calc", got)
	}
	if got := ot.SecurityLevel(); got != mantle.SecuritySafe {
		t.Errorf("SecurityLevel() = %q, want SAFE", got)
	}

	result, err := ot.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}
	if result != "42" {
		t.Errorf("Execute result = %v, want 42", result)
	}
}

func TestObservedToolError(t *testing.T) {
	wantErr := errors.New("tool broke")
	inner := &mockTool{name: "calc", err: wantErr}
	ot := WrapTool(inner, testInstruments(t))

	_, err := ot.Execute(context.Background(), json.RawMessage(`{}`))
	if !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedRetriever tests
// ---------------------------------------------------------------------------

func TestObservedRetrieverDelegates(t *testing.T) {
	inner := &mockRetriever{chunks: []mantle.RetrievedChunk{
		{Content: "doc one", Score: 0.9},
		{Content: "doc two", Score: 0.7},
	}}
	or := WrapRetriever(inner, "knowledge", testInstruments(t))

	chunks, err := or.Retrieve(context.Background(), "query", "kb-1", 3)
	if err != nil {
		t.Fatalf("Retrieve returned unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if chunks[0].Content != "doc one" {
		t.Errorf("chunks[0].Content = %q, want %q", chunks[0].Content, "doc one")
	}
}

func TestObservedRetrieverError(t *testing.T) {
	wantErr := errors.New("kb unavailable")
	or := WrapRetriever(&mockRetriever{err: wantErr}, "knowledge", testInstruments(t))

	_, err := or.Retrieve(context.Background(), "q", "kb", 3)
	if !errors.Is(err, wantErr) {
		t.Errorf("Retrieve error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// Redaction and helpers
// ---------------------------------------------------------------------------

func TestScrubRedactsAttributeValues(t *testing.T) {
	inst := testInstruments(t)
	out := inst.scrub("contact me at alice@example.com")
	if strings.Contains(out, "alice@example.com") {
		t.Errorf("scrub left raw email in %q", out)
	}
}

func TestScrubDisabled(t *testing.T) {
	inst, err := newInstruments(initConfig{redactPII: false})
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	in := "alice@example.com"
	if got := inst.scrub(in); got != in {
		t.Errorf("scrub with redaction off = %q, want %q", got, in)
	}
}

func TestPreviewClipsLongValues(t *testing.T) {
	long := strings.Repeat("a", previewRunes+50)
	got := preview(long)
	if len([]rune(got)) != previewRunes+3 {
		t.Errorf("preview length = %d runes, want %d", len([]rune(got)), previewRunes+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("preview = %q, want ... suffix", got)
	}
	if short := preview("short"); short != "short" {
		t.Errorf("preview(short) = %q, want unchanged", short)
	}
}

func TestNewTracerStartsSpans(t *testing.T) {
	tr := NewTracer(testInstruments(t))
	ctx, span := tr.Start(context.Background(), "test.op",
		mantle.StringAttr("k", "v"),
		mantle.IntAttr("n", 3),
	)
	if ctx == nil {
		t.Fatal("Start returned nil context")
	}
	span.SetAttr(mantle.BoolAttr("done", true))
	span.Event("checkpoint")
	span.Error(errors.New("boom"))
	span.End()
}
