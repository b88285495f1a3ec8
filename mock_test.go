package mantle

import (
	"context"
	"encoding/json"
	"sync"
)

// ---------------------------------------------------------------------------
// Shared stubs
// ---------------------------------------------------------------------------

// stubProvider returns queued responses in order and records every request.
// When the queue is empty it falls back to the last configured response.
type stubProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	errs      []error
	requests  []ChatRequest
	calls     int
}

func (p *stubProvider) Name() string {
	if p.name == "" {
		return "stub"
	}
	return p.name
}

func (p *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return ChatResponse{}, p.errs[i]
	}
	if len(p.responses) == 0 {
		return ChatResponse{}, nil
	}
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// stubTool is a configurable in-memory tool.
type stubTool struct {
	name     string
	schema   string
	security SecurityLevel
	execute  func(ctx context.Context, input json.RawMessage) (any, error)

	mu    sync.Mutex
	calls []json.RawMessage
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub tool " + t.name }

func (t *stubTool) SecurityLevel() SecurityLevel {
	if t.security == "" {
		return SecuritySafe
	}
	return t.security
}

func (t *stubTool) InputSchema() json.RawMessage {
	if t.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(t.schema)
}

func (t *stubTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	t.mu.Lock()
	t.calls = append(t.calls, input)
	t.mu.Unlock()
	if t.execute != nil {
		return t.execute(ctx, input)
	}
	return "ok from " + t.name, nil
}

func (t *stubTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// jsonResponse builds a ChatResponse whose content is the marshalled value.
func jsonResponse(v any, usage Usage) ChatResponse {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return ChatResponse{Content: string(data), Usage: usage}
}
