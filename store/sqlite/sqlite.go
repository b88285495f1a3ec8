// Package sqlite implements local persistence for agent traces, graph
// checkpoints, and ingestion job records using pure-Go SQLite. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mantle "github.com/ajisaka/mantle"
	"github.com/ajisaka/mantle/observer"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists spans, checkpoints, and job records in a local SQLite
// file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ observer.SpanStore = (*Store)(nil)
var _ mantle.Checkpointer = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS spans (
			span_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_span_id TEXT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			attributes TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			success INTEGER NOT NULL,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ingestion_jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			enqueued_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_time)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingestion_jobs(status)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- span store ---

// SaveSpans inserts finished span records.
func (s *Store) SaveSpans(ctx context.Context, spans []observer.SpanRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save spans", "count", len(spans))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save spans: begin: %w", err)
	}
	defer tx.Rollback()

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
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO spans
			 (span_id, trace_id, parent_span_id, name, kind, start_time, end_time,
			  latency_ms, attributes, tokens_used, cost_usd, success, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.SpanID, sp.TraceID, parent, sp.Name, sp.Kind,
			sp.Start.UnixMilli(), sp.End.UnixMilli(), sp.LatencyMS,
			string(attrs), sp.TokensUsed, sp.CostUSD, boolToInt(sp.Success), errText,
		)
		if err != nil {
			return fmt.Errorf("save span %s: %w", sp.SpanID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save spans: commit: %w", err)
	}
	s.logger.Debug("sqlite: save spans ok", "count", len(spans), "duration", time.Since(start))
	return nil
}

// GetTrace returns all spans of a trace ordered by start time.
func (s *Store) GetTrace(ctx context.Context, traceID string) ([]observer.SpanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT span_id, trace_id, parent_span_id, name, kind, start_time, end_time,
		        latency_ms, attributes, tokens_used, cost_usd, success, error
		 FROM spans
		 WHERE trace_id = ?
		 ORDER BY start_time ASC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	defer rows.Close()

	var spans []observer.SpanRecord
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, err
		}
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spans: %w", err)
	}
	return spans, nil
}

func scanSpan(rows *sql.Rows) (observer.SpanRecord, error) {
	var sp observer.SpanRecord
	var parent, attrs, errText sql.NullString
	var startMs, endMs int64
	var success int
	if err := rows.Scan(&sp.SpanID, &sp.TraceID, &parent, &sp.Name, &sp.Kind,
		&startMs, &endMs, &sp.LatencyMS, &attrs, &sp.TokensUsed, &sp.CostUSD,
		&success, &errText); err != nil {
		return sp, fmt.Errorf("scan span: %w", err)
	}
	sp.ParentSpanID = parent.String
	sp.Error = errText.String
	sp.Start = time.UnixMilli(startMs)
	sp.End = time.UnixMilli(endMs)
	sp.Success = success != 0
	if attrs.Valid {
		_ = json.Unmarshal([]byte(attrs.String), &sp.Attributes)
	}
	return sp, nil
}

// --- checkpoints ---

// Save upserts the checkpointed state for a thread.
func (s *Store) Save(ctx context.Context, threadID string, state *mantle.AgentState) error {
	start := time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("save checkpoint: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (thread_id, state, updated_at) VALUES (?, ?, ?)`,
		threadID, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.logger.Debug("sqlite: checkpoint saved", "thread_id", threadID, "duration", time.Since(start))
	return nil
}

// Load returns the checkpointed state for a thread, or nil when absent.
func (s *Store) Load(ctx context.Context, threadID string) (*mantle.AgentState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var state mantle.AgentState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("load checkpoint: decode: %w", err)
	}
	return &state, nil
}

// Delete removes the checkpoint for a thread.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ?`, threadID,
	)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// --- ingestion job records ---

// SaveJob upserts the authoritative record for a job.
func (s *Store) SaveJob(ctx context.Context, job mantle.IngestionJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO ingestion_jobs
		 (id, type, payload, priority, status, retry_count, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, string(job.Payload), job.Priority, string(job.Status),
		job.RetryCount, job.EnqueuedAt.UnixMilli(), time.Now().UnixMilli(),
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errText, time.Now().UnixMilli(), jobID,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update job status: job %s not found", jobID)
	}
	return nil
}

// GetJob returns one job record, or an error when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (mantle.IngestionJob, error) {
	var job mantle.IngestionJob
	var payload sql.NullString
	var status string
	var enqueuedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, payload, priority, status, retry_count, enqueued_at
		 FROM ingestion_jobs WHERE id = ?`, jobID,
	).Scan(&job.ID, &job.Type, &payload, &job.Priority, &status, &job.RetryCount, &enqueuedMs)
	if err != nil {
		return job, fmt.Errorf("get job: %w", err)
	}
	if payload.Valid && payload.String != "" {
		job.Payload = json.RawMessage(payload.String)
	}
	job.Status = mantle.JobStatus(status)
	job.EnqueuedAt = time.UnixMilli(enqueuedMs)
	return job, nil
}

// ListJobs returns jobs in a status ordered by priority then age.
func (s *Store) ListJobs(ctx context.Context, status mantle.JobStatus, limit int) ([]mantle.IngestionJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, priority, status, retry_count, enqueued_at
		 FROM ingestion_jobs
		 WHERE status = ?
		 ORDER BY priority DESC, enqueued_at ASC
		 LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []mantle.IngestionJob
	for rows.Next() {
		var job mantle.IngestionJob
		var payload sql.NullString
		var st string
		var enqueuedMs int64
		if err := rows.Scan(&job.ID, &job.Type, &payload, &job.Priority, &st,
			&job.RetryCount, &enqueuedMs); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if payload.Valid && payload.String != "" {
			job.Payload = json.RawMessage(payload.String)
		}
		job.Status = mantle.JobStatus(st)
		job.EnqueuedAt = time.UnixMilli(enqueuedMs)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
