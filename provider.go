package mantle

import "context"

// Provider abstracts the LLM backend. Implementations must honor context
// cancellation: every call is a suspension point for the enclosing turn.
type Provider interface {
	// Chat sends a request and returns a complete response with usage.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// MemoryService recalls long-term memories relevant to a query. Optional;
// the planner degrades gracefully when nil.
type MemoryService interface {
	RecallMemories(ctx context.Context, query, assistantID, userID string, topK int) ([]Memory, error)
}

// Memory is one recalled memory item.
type Memory struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Retriever is the narrow RAG interface consumed by knowledge tools.
// The retrieval engine itself lives outside this module.
type Retriever interface {
	Retrieve(ctx context.Context, query, kbID string, k int) ([]RetrievedChunk, error)
}

// RetrievedChunk is one retrieval hit.
type RetrievedChunk struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
