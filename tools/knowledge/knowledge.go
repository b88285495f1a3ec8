// Package knowledge provides a retrieval tool over the narrow Retriever
// interface. The RAG engine behind it lives outside this module.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mantle "github.com/ajisaka/mantle"
)

const defaultTopK = 5

// Tool searches configured knowledge bases.
type Tool struct {
	retriever mantle.Retriever
	kbIDs     []string
	topK      int
}

var _ mantle.Tool = (*Tool)(nil)

// Option configures a knowledge Tool.
type Option func(*Tool)

// WithTopK sets the number of results to retrieve. Default 5.
func WithTopK(n int) Option {
	return func(t *Tool) { t.topK = n }
}

// New creates a knowledge tool searching the given knowledge bases.
func New(retriever mantle.Retriever, kbIDs []string, opts ...Option) *Tool {
	t := &Tool{retriever: retriever, kbIDs: kbIDs, topK: defaultTopK}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Name() string { return "knowledge_search" }

func (t *Tool) Description() string {
	return "Search the assistant's knowledge bases for relevant documents. Use for questions about ingested content."
}

func (t *Tool) SecurityLevel() mantle.SecurityLevel { return mantle.SecuritySafe }

func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What to look up", "minLength": 1},
			"kb_id": {"type": "string", "description": "Restrict to one knowledge base"}
		},
		"required": ["query"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
		KBID  string `json:"kb_id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, &mantle.ErrUserInput{Tool: t.Name(), Reason: "invalid args: " + err.Error()}
	}

	kbIDs := t.kbIDs
	if params.KBID != "" {
		kbIDs = []string{params.KBID}
	}
	if len(kbIDs) == 0 {
		return "No knowledge bases are configured for this assistant.", nil
	}

	var all []mantle.RetrievedChunk
	for _, kbID := range kbIDs {
		chunks, err := t.retriever.Retrieve(ctx, params.Query, kbID, t.topK)
		if err != nil {
			return nil, fmt.Errorf("retrieve from %s: %w", kbID, err)
		}
		all = append(all, chunks...)
	}
	if len(all) == 0 {
		return fmt.Sprintf("No relevant documents found for %q.", params.Query), nil
	}

	var b strings.Builder
	for i, c := range all {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (score %.2f) %s", i+1, c.Score, c.Content)
	}
	return b.String(), nil
}
