// Package postgres implements persistence for agent traces, graph
// checkpoints, and ingestion job records using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	mantle "github.com/ajisaka/mantle"
	"github.com/ajisaka/mantle/observer"
)

// Store persists spans, checkpoints, and job records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ observer.SpanStore = (*Store)(nil)
var _ mantle.Checkpointer = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS spans (
			span_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_span_id TEXT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			latency_ms BIGINT NOT NULL,
			attributes JSONB,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_time)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ingestion_jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload JSONB,
			priority INT NOT NULL,
			status TEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			error TEXT,
			enqueued_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingestion_jobs(status)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// --- span store ---

// SaveSpans inserts finished span records in one batch.
func (s *Store) SaveSpans(ctx context.Context, spans []observer.SpanRecord) error {
	batch := &pgx.Batch{}
	for _, sp := range spans {
		attrs, _ := json.Marshal(sp.Attributes)
		var parent *string
		if sp.ParentSpanID != "" {
			parent = &sp.ParentSpanID
		}
		var errText *string
		if sp.Error != "" {
			errText = &sp.Error
		}
		batch.Queue(
			`INSERT INTO spans
			 (span_id, trace_id, parent_span_id, name, kind, start_time, end_time,
			  latency_ms, attributes, tokens_used, cost_usd, success, error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (span_id) DO NOTHING`,
			sp.SpanID, sp.TraceID, parent, sp.Name, sp.Kind, sp.Start, sp.End,
			sp.LatencyMS, attrs, sp.TokensUsed, sp.CostUSD, sp.Success, errText,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range spans {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save spans: %w", err)
		}
	}
	return nil
}

// GetTrace returns all spans of a trace ordered by start time.
func (s *Store) GetTrace(ctx context.Context, traceID string) ([]observer.SpanRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT span_id, trace_id, parent_span_id, name, kind, start_time, end_time,
		        latency_ms, attributes, tokens_used, cost_usd, success, error
		 FROM spans
		 WHERE trace_id = $1
		 ORDER BY start_time ASC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	defer rows.Close()

	var spans []observer.SpanRecord
	for rows.Next() {
		var sp observer.SpanRecord
		var parent, errText *string
		var attrs []byte
		if err := rows.Scan(&sp.SpanID, &sp.TraceID, &parent, &sp.Name, &sp.Kind,
			&sp.Start, &sp.End, &sp.LatencyMS, &attrs, &sp.TokensUsed, &sp.CostUSD,
			&sp.Success, &errText); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		if parent != nil {
			sp.ParentSpanID = *parent
		}
		if errText != nil {
			sp.Error = *errText
		}
		if len(attrs) > 0 {
			_ = json.Unmarshal(attrs, &sp.Attributes)
		}
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spans: %w", err)
	}
	return spans, nil
}

// --- checkpoints ---

// Save upserts the checkpointed state for a thread.
func (s *Store) Save(ctx context.Context, threadID string, state *mantle.AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("save checkpoint: encode: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, state, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (thread_id) DO UPDATE SET state = $2, updated_at = $3`,
		threadID, data, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpointed state for a thread, or nil when absent.
func (s *Store) Load(ctx context.Context, threadID string) (*mantle.AgentState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = $1`, threadID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var state mantle.AgentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("load checkpoint: decode: %w", err)
	}
	return &state, nil
}

// Delete removes the checkpoint for a thread.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1`, threadID,
	)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// --- ingestion job records ---

// SaveJob upserts the authoritative record for a job.
func (s *Store) SaveJob(ctx context.Context, job mantle.IngestionJob) error {
	var payload []byte
	if len(job.Payload) > 0 {
		payload = job.Payload
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_jobs
		 (id, type, payload, priority, status, retry_count, enqueued_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   status = $5, retry_count = $6, updated_at = $8`,
		job.ID, job.Type, payload, job.Priority, string(job.Status),
		job.RetryCount, job.EnqueuedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// UpdateJobStatus moves a job to a new status, recording an optional
// error message.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status mantle.JobStatus, jobErr string) error {
	var errText *string
	if jobErr != "" {
		errText = &jobErr
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errText, time.Now(), jobID,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job status: job %s not found", jobID)
	}
	return nil
}

// GetJob returns one job record, or an error when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (mantle.IngestionJob, error) {
	var job mantle.IngestionJob
	var payload []byte
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, payload, priority, status, retry_count, enqueued_at
		 FROM ingestion_jobs WHERE id = $1`, jobID,
	).Scan(&job.ID, &job.Type, &payload, &job.Priority, &status, &job.RetryCount, &job.EnqueuedAt)
	if err != nil {
		return job, fmt.Errorf("get job: %w", err)
	}
	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	job.Status = mantle.JobStatus(status)
	return job, nil
}

// ListJobs returns jobs in a status ordered by priority then age.
func (s *Store) ListJobs(ctx context.Context, status mantle.JobStatus, limit int) ([]mantle.IngestionJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, payload, priority, status, retry_count, enqueued_at
		 FROM ingestion_jobs
		 WHERE status = $1
		 ORDER BY priority DESC, enqueued_at ASC
		 LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []mantle.IngestionJob
	for rows.Next() {
		var job mantle.IngestionJob
		var payload []byte
		var st string
		if err := rows.Scan(&job.ID, &job.Type, &payload, &job.Priority, &st,
			&job.RetryCount, &job.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if len(payload) > 0 {
			job.Payload = json.RawMessage(payload)
		}
		job.Status = mantle.JobStatus(st)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
