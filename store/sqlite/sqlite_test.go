package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	mantle "github.com/ajisaka/mantle"
	"github.com/ajisaka/mantle/observer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestSaveAndGetTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	spans := []observer.SpanRecord{
		{
			TraceID:    "trace-1",
			SpanID:     "span-a",
			Name:       "agent_execution",
			Kind:       "internal",
			Start:      now,
			End:        now.Add(1200 * time.Millisecond),
			LatencyMS:  1200,
			Attributes: map[string]string{"assistant_id": "asst-1"},
			TokensUsed: 450,
			CostUSD:    0.012,
			Success:    true,
		},
		{
			TraceID:      "trace-1",
			SpanID:       "span-b",
			ParentSpanID: "span-a",
			Name:         "tool_web_search",
			Kind:         "internal",
			Start:        now.Add(100 * time.Millisecond),
			End:          now.Add(400 * time.Millisecond),
			LatencyMS:    300,
			Success:      false,
			Error:        "timeout",
		},
	}
	if err := s.SaveSpans(ctx, spans); err != nil {
		t.Fatalf("SaveSpans: %v", err)
	}

	got, err := s.GetTrace(ctx, "trace-1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(spans) = %d, want 2", len(got))
	}
	if got[0].SpanID != "span-a" {
		t.Errorf("spans not ordered by start time: first = %s", got[0].SpanID)
	}
	if got[1].ParentSpanID != "span-a" {
		t.Errorf("ParentSpanID = %q, want span-a", got[1].ParentSpanID)
	}
	if got[0].Attributes["assistant_id"] != "asst-1" {
		t.Errorf("attributes not round-tripped: %v", got[0].Attributes)
	}
	if got[0].TokensUsed != 450 || got[0].CostUSD != 0.012 {
		t.Errorf("tokens/cost = %d/%v, want 450/0.012", got[0].TokensUsed, got[0].CostUSD)
	}
	if got[1].Success || got[1].Error != "timeout" {
		t.Errorf("error span round-trip failed: %+v", got[1])
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := &mantle.AgentState{
		UserInput:  "find the answer",
		Iterations: 3,
		NextAction: mantle.ActionExecute,
	}
	if err := s.Save(ctx, "thread-1", state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil for saved thread")
	}
	if loaded.UserInput != "find the answer" || loaded.Iterations != 3 {
		t.Errorf("loaded state = %+v, want round-trip", loaded)
	}

	// Save again overwrites.
	state.Iterations = 5
	if err := s.Save(ctx, "thread-1", state); err != nil {
		t.Fatalf("Save (overwrite): %v", err)
	}
	loaded, _ = s.Load(ctx, "thread-1")
	if loaded.Iterations != 5 {
		t.Errorf("Iterations after overwrite = %d, want 5", loaded.Iterations)
	}

	if err := s.Delete(ctx, "thread-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	loaded, err = s.Load(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Load after delete: %v", err)
	}
	if loaded != nil {
		t.Error("Load after delete returned state, want nil")
	}
}

func TestLoadMissingThreadReturnsNil(t *testing.T) {
	s := newTestStore(t)
	state, err := s.Load(context.Background(), "no-such-thread")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state != nil {
		t.Errorf("Load = %+v, want nil", state)
	}
}

func TestJobRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mantle.IngestionJob{
		ID:         "job-1",
		Type:       "pdf",
		Payload:    json.RawMessage(`{"path":"/docs/a.pdf"}`),
		Priority:   5,
		EnqueuedAt: time.Now(),
		Status:     mantle.JobQueued,
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Type != "pdf" || got.Priority != 5 || got.Status != mantle.JobQueued {
		t.Errorf("GetJob = %+v, want round-trip", got)
	}

	if err := s.UpdateJobStatus(ctx, "job-1", mantle.JobFailed, "parse error"); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	failed, err := s.ListJobs(ctx, mantle.JobFailed, 10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "job-1" {
		t.Errorf("ListJobs(FAILED) = %+v, want job-1", failed)
	}

	if err := s.UpdateJobStatus(ctx, "missing", mantle.JobCompleted, ""); err == nil {
		t.Error("UpdateJobStatus on unknown job returned nil error")
	}
}

func TestListJobsOrdersByPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for _, j := range []mantle.IngestionJob{
		{ID: "low", Type: "t", Priority: 1, EnqueuedAt: base, Status: mantle.JobQueued},
		{ID: "high", Type: "t", Priority: 9, EnqueuedAt: base.Add(time.Second), Status: mantle.JobQueued},
		{ID: "mid", Type: "t", Priority: 5, EnqueuedAt: base, Status: mantle.JobQueued},
	} {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob(%s): %v", j.ID, err)
		}
	}

	jobs, err := s.ListJobs(ctx, mantle.JobQueued, 10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Errorf("jobs[%d].ID = %s, want %s", i, jobs[i].ID, id)
		}
	}
}
