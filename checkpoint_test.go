package mantle

import (
	"context"
	"testing"
)

func TestMemoryCheckpointerRoundTrip(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()

	state := &AgentState{
		UserInput:  "question",
		Iterations: 3,
		NextAction: ActionExecute,
		PendingToolCalls: []PendingToolCall{
			{Tool: "web_search", Input: rawInput(t, map[string]any{"query": "x"})},
		},
	}
	if err := cp.Save(ctx, "t1", state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := cp.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.UserInput != "question" || loaded.Iterations != 3 || loaded.NextAction != ActionExecute {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.PendingToolCalls) != 1 || loaded.PendingToolCalls[0].Tool != "web_search" {
		t.Errorf("PendingToolCalls = %+v", loaded.PendingToolCalls)
	}
}

func TestMemoryCheckpointerLoadMissing(t *testing.T) {
	cp := NewMemoryCheckpointer()
	state, err := cp.Load(context.Background(), "never-saved")
	if err != nil || state != nil {
		t.Errorf("Load = (%v, %v), want (nil, nil)", state, err)
	}
}

func TestMemoryCheckpointerSaveIsolatesState(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()
	state := &AgentState{UserInput: "before"}
	if err := cp.Save(ctx, "t1", state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutating the saved pointer must not reach the stored copy.
	state.UserInput = "after"
	loaded, err := cp.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.UserInput != "before" {
		t.Errorf("UserInput = %q, want the value at save time", loaded.UserInput)
	}
}

func TestMemoryCheckpointerDelete(t *testing.T) {
	ctx := context.Background()
	cp := NewMemoryCheckpointer()
	cp.Save(ctx, "t1", &AgentState{UserInput: "x"})
	if err := cp.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if state, _ := cp.Load(ctx, "t1"); state != nil {
		t.Error("checkpoint survived Delete")
	}
	// Deleting an absent thread is not an error.
	if err := cp.Delete(ctx, "t1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}
