package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	mantle "github.com/ajisaka/mantle"
)

type fakeRetriever struct {
	gotKBs  []string
	gotTopK int
	chunks  []mantle.RetrievedChunk
	err     error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, kbID string, k int) ([]mantle.RetrievedChunk, error) {
	f.gotKBs = append(f.gotKBs, kbID)
	f.gotTopK = k
	return f.chunks, f.err
}

func execute(t *testing.T, tool *Tool, params map[string]string) (any, error) {
	t.Helper()
	input, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	return tool.Execute(context.Background(), input)
}

func TestKnowledgeSearchesAllConfiguredBases(t *testing.T) {
	r := &fakeRetriever{chunks: []mantle.RetrievedChunk{
		{Content: "relevant passage", Score: 0.82},
	}}
	tool := New(r, []string{"kb-a", "kb-b"})

	result, err := execute(t, tool, map[string]string{"query": "topic"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(r.gotKBs) != 2 || r.gotKBs[0] != "kb-a" || r.gotKBs[1] != "kb-b" {
		t.Errorf("searched KBs = %v, want [kb-a kb-b]", r.gotKBs)
	}
	out := result.(string)
	if !strings.Contains(out, "relevant passage") || !strings.Contains(out, "0.82") {
		t.Errorf("output = %q, want content with score", out)
	}
}

func TestKnowledgeKBOverride(t *testing.T) {
	r := &fakeRetriever{chunks: []mantle.RetrievedChunk{{Content: "x", Score: 1}}}
	tool := New(r, []string{"kb-a", "kb-b"})

	if _, err := execute(t, tool, map[string]string{"query": "q", "kb_id": "kb-z"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(r.gotKBs) != 1 || r.gotKBs[0] != "kb-z" {
		t.Errorf("searched KBs = %v, want [kb-z]", r.gotKBs)
	}
}

func TestKnowledgeNoBasesConfigured(t *testing.T) {
	tool := New(&fakeRetriever{}, nil)
	result, err := execute(t, tool, map[string]string{"query": "q"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.(string), "No knowledge bases") {
		t.Errorf("result = %q, want configuration message", result)
	}
}

func TestKnowledgeNoHits(t *testing.T) {
	tool := New(&fakeRetriever{}, []string{"kb"})
	result, err := execute(t, tool, map[string]string{"query": "nothing"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(result.(string), "No relevant documents") {
		t.Errorf("result = %q, want no-hits message", result)
	}
}

func TestKnowledgePropagatesRetrieverError(t *testing.T) {
	wantErr := errors.New("kb offline")
	tool := New(&fakeRetriever{err: wantErr}, []string{"kb"})
	if _, err := execute(t, tool, map[string]string{"query": "q"}); !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

func TestWithTopK(t *testing.T) {
	r := &fakeRetriever{}
	tool := New(r, []string{"kb"}, WithTopK(12))
	if _, err := execute(t, tool, map[string]string{"query": "q"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if r.gotTopK != 12 {
		t.Errorf("topK = %d, want 12", r.gotTopK)
	}
}
