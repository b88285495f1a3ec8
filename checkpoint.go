package mantle

import (
	"context"
	"encoding/json"
	"sync"
)

// Checkpointer persists AgentState between node transitions so a crashed
// run can resume at the last committed boundary. Implementations live in
// store/sqlite and store/postgres; MemoryCheckpointer below suits tests and
// single-process deployments.
//
// Save must be atomic per thread: a reader never observes a partially
// written state.
type Checkpointer interface {
	// Save persists the state under the thread ID, replacing any previous
	// checkpoint for that thread.
	Save(ctx context.Context, threadID string, state *AgentState) error
	// Load returns the latest checkpoint for the thread, or (nil, nil)
	// when none exists.
	Load(ctx context.Context, threadID string) (*AgentState, error)
	// Delete removes the checkpoint for the thread, if any.
	Delete(ctx context.Context, threadID string) error
}

// MemoryCheckpointer keeps checkpoints in a process-local map. States are
// stored serialized so callers cannot alias the saved copy.
type MemoryCheckpointer struct {
	mu     sync.Mutex
	states map[string][]byte
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{states: make(map[string][]byte)}
}

func (c *MemoryCheckpointer) Save(_ context.Context, threadID string, state *AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[threadID] = data
	return nil
}

func (c *MemoryCheckpointer) Load(_ context.Context, threadID string) (*AgentState, error) {
	c.mu.Lock()
	data, ok := c.states[threadID]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var state AgentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *MemoryCheckpointer) Delete(_ context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, threadID)
	return nil
}

var _ Checkpointer = (*MemoryCheckpointer)(nil)
