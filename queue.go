package mantle

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// IngestionJob is one unit of background work. Type selects the handler
// branch; Payload carries its serialized arguments so jobs survive a trip
// through a broker.
type IngestionJob struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	Status     JobStatus       `json:"status"`
}

// JobHandler executes one job. The context is cancelled on job
// cancellation and on shutdown; handlers should honor it.
type JobHandler func(ctx context.Context, job IngestionJob) error

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Enqueued        int64     `json:"enqueued"`
	Completed       int64     `json:"completed"`
	Failed          int64     `json:"failed"`
	Cancelled       int64     `json:"cancelled"`
	Retried         int64     `json:"retried"`
	Running         int       `json:"running"`
	Queued          int       `json:"queued"`
	AvgExecutionMS  float64   `json:"avg_execution_ms"`
	LastStartedAt   time.Time `json:"last_started_at"`
	LastCompletedAt time.Time `json:"last_completed_at"`
}

// JobQueue runs ingestion jobs with priorities, retries, and cooperative
// cancellation. LocalJobQueue is the in-process backend; RedisJobQueue
// provides the same interface over a broker.
type JobQueue interface {
	// Enqueue schedules a job. The queue assigns an ID when empty and
	// stamps EnqueuedAt.
	Enqueue(ctx context.Context, job IngestionJob) (string, error)
	// Cancel removes a queued job or signals a running one to stop.
	// Returns false when the job is unknown or already finished.
	Cancel(ctx context.Context, jobID string) (bool, error)
	// IsRunning reports whether the job is currently executing.
	IsRunning(jobID string) bool
	// IsQueued reports whether the job is waiting for a slot.
	IsQueued(jobID string) bool
	// Stats returns current counters.
	Stats() QueueStats
	// RetryFailed re-enqueues every failed job and returns how many.
	RetryFailed(ctx context.Context) (int, error)
	// Shutdown stops intake, waits up to timeout for in-flight jobs, then
	// cancels the remainder.
	Shutdown(ctx context.Context, timeout time.Duration) error
}

// Local queue retry defaults.
const (
	DefaultJobMaxRetries    = 3
	DefaultJobRetryBase     = 2 * time.Second
	DefaultJobRetryExponent = 2.0
	DefaultJobRetryMax      = 60 * time.Second
	DefaultJobMaxConcurrent = 2
)

// execSampleWindow bounds the rolling average of execution times.
const execSampleWindow = 100

// queuedJob is a heap entry. index is maintained by heap.Interface.
type queuedJob struct {
	job   IngestionJob
	index int
}

// jobHeap orders by descending priority, then earlier enqueue time.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].job.EnqueuedAt.Before(h[j].job.EnqueuedAt)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	item := x.(*queuedJob)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// LocalJobQueue is the in-process JobQueue backend: a priority heap, a
// bounded set of worker slots, and retry with exponential backoff. Retry
// sleeps are tracked so Shutdown can drain them.
type LocalJobQueue struct {
	handler JobHandler

	mu       sync.Mutex
	cond     *sync.Cond
	heap     jobHeap
	entries   map[string]*queuedJob         // queued jobs by ID
	running   map[string]context.CancelFunc // running jobs by ID
	cancelled map[string]bool               // running jobs already signalled to stop
	failed    map[string]IngestionJob       // failed jobs awaiting RetryFailed
	closed    bool

	maxConcurrent int
	maxRetries    int
	retryBase     time.Duration
	retryExp      float64
	retryMax      time.Duration

	stats       QueueStats
	execSamples []float64

	workers sync.WaitGroup // running handlers
	retries sync.WaitGroup // sleeping retry tasks
	baseCtx context.Context
	stop    context.CancelFunc

	logger *slog.Logger
}

// LocalQueueOption configures a LocalJobQueue.
type LocalQueueOption func(*LocalJobQueue)

// QueueMaxConcurrent bounds simultaneously running jobs.
func QueueMaxConcurrent(n int) LocalQueueOption {
	return func(q *LocalJobQueue) {
		if n > 0 {
			q.maxConcurrent = n
		}
	}
}

// QueueRetries configures retry count and backoff shape.
func QueueRetries(maxRetries int, base time.Duration, exponent float64, max time.Duration) LocalQueueOption {
	return func(q *LocalJobQueue) {
		q.maxRetries = maxRetries
		if base > 0 {
			q.retryBase = base
		}
		if exponent > 1 {
			q.retryExp = exponent
		}
		if max > 0 {
			q.retryMax = max
		}
	}
}

// QueueLogger attaches a logger.
func QueueLogger(l *slog.Logger) LocalQueueOption {
	return func(q *LocalJobQueue) { q.logger = l }
}

// NewLocalJobQueue builds and starts the in-process queue. The scheduler
// goroutine runs until Shutdown.
func NewLocalJobQueue(handler JobHandler, opts ...LocalQueueOption) *LocalJobQueue {
	q := &LocalJobQueue{
		handler:       handler,
		entries:       make(map[string]*queuedJob),
		running:       make(map[string]context.CancelFunc),
		cancelled:     make(map[string]bool),
		failed:        make(map[string]IngestionJob),
		maxConcurrent: DefaultJobMaxConcurrent,
		maxRetries:    DefaultJobMaxRetries,
		retryBase:     DefaultJobRetryBase,
		retryExp:      DefaultJobRetryExponent,
		retryMax:      DefaultJobRetryMax,
		logger:        nopLogger,
	}
	q.cond = sync.NewCond(&q.mu)
	q.baseCtx, q.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(q)
	}
	go q.schedule()
	return q
}

// Enqueue adds the job to the heap and wakes the scheduler.
func (q *LocalJobQueue) Enqueue(_ context.Context, job IngestionJob) (string, error) {
	if job.ID == "" {
		job.ID = NewID()
	}
	job.EnqueuedAt = time.Now()
	job.Status = JobQueued

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", fmt.Errorf("queue is shut down")
	}
	if _, dup := q.entries[job.ID]; dup {
		return "", fmt.Errorf("job %s is already queued", job.ID)
	}
	entry := &queuedJob{job: job}
	heap.Push(&q.heap, entry)
	q.entries[job.ID] = entry
	q.stats.Enqueued++
	q.cond.Signal()
	return job.ID, nil
}

// schedule is the single dispatcher: it pulls the highest-priority job
// whenever a worker slot is free.
func (q *LocalJobQueue) schedule() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for !q.closed && (q.heap.Len() == 0 || len(q.running) >= q.maxConcurrent) {
			q.cond.Wait()
		}
		if q.closed {
			return
		}
		entry := heap.Pop(&q.heap).(*queuedJob)
		delete(q.entries, entry.job.ID)

		jobCtx, cancel := context.WithCancel(q.baseCtx)
		q.running[entry.job.ID] = cancel
		q.stats.LastStartedAt = time.Now()
		q.workers.Add(1)
		go q.execute(jobCtx, entry.job)
	}
}

// execute runs one job and folds the outcome back into the queue.
func (q *LocalJobQueue) execute(ctx context.Context, job IngestionJob) {
	defer q.workers.Done()
	job.Status = JobRunning
	start := time.Now()
	err := q.handler(ctx, job)
	elapsed := time.Since(start)

	q.mu.Lock()
	defer q.mu.Unlock()
	if cancel, ok := q.running[job.ID]; ok {
		cancel()
		delete(q.running, job.ID)
	}
	delete(q.cancelled, job.ID)
	q.recordExecution(elapsed)
	q.cond.Signal()

	switch {
	case err == nil:
		q.stats.Completed++
		q.stats.LastCompletedAt = time.Now()
	case ctx.Err() != nil && q.closed:
		// Shutdown cancelled the job; do not retry.
		q.stats.Cancelled++
	case ctx.Err() != nil:
		q.stats.Cancelled++
		q.logger.Info("job cancelled", "job", job.ID, "type", job.Type)
	case job.RetryCount < q.maxRetries:
		q.stats.Retried++
		q.logger.Warn("job failed, scheduling retry",
			"job", job.ID, "retry", job.RetryCount+1, "error", err)
		q.scheduleRetry(job)
	default:
		q.stats.Failed++
		job.Status = JobFailed
		q.failed[job.ID] = job
		q.logger.Error("job failed permanently",
			"job", job.ID, "type", job.Type, "error", err)
	}
}

// scheduleRetry sleeps the backoff in a tracked goroutine, then re-enqueues
// with the original priority. Caller holds q.mu.
func (q *LocalJobQueue) scheduleRetry(job IngestionJob) {
	job.RetryCount++
	delay := q.retryDelay(job.RetryCount - 1)
	q.retries.Add(1)
	go func() {
		defer q.retries.Done()
		if err := sleepCtx(q.baseCtx, delay); err != nil {
			return
		}
		if _, err := q.Enqueue(context.Background(), job); err != nil {
			q.logger.Warn("retry enqueue failed", "job", job.ID, "error", err)
		}
	}()
}

// retryDelay is min(base · exp^retryCount, max).
func (q *LocalJobQueue) retryDelay(retryCount int) time.Duration {
	d := time.Duration(float64(q.retryBase) * math.Pow(q.retryExp, float64(retryCount)))
	if d > q.retryMax {
		d = q.retryMax
	}
	return d
}

// recordExecution updates the rolling execution-time average. Caller holds
// q.mu.
func (q *LocalJobQueue) recordExecution(elapsed time.Duration) {
	q.execSamples = append(q.execSamples, float64(elapsed.Milliseconds()))
	if len(q.execSamples) > execSampleWindow {
		q.execSamples = q.execSamples[len(q.execSamples)-execSampleWindow:]
	}
	var sum float64
	for _, s := range q.execSamples {
		sum += s
	}
	q.stats.AvgExecutionMS = sum / float64(len(q.execSamples))
}

// Cancel removes a queued job or signals a running one.
func (q *LocalJobQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.entries[jobID]; ok {
		heap.Remove(&q.heap, entry.index)
		delete(q.entries, jobID)
		q.stats.Cancelled++
		return true, nil
	}
	if cancel, ok := q.running[jobID]; ok {
		if q.cancelled[jobID] {
			// Already signalled; a repeat cancel is a no-op.
			return false, nil
		}
		q.cancelled[jobID] = true
		cancel()
		return true, nil
	}
	return false, nil
}

// IsRunning reports whether the job is currently executing.
func (q *LocalJobQueue) IsRunning(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[jobID]
	return ok
}

// IsQueued reports whether the job is waiting for a slot.
func (q *LocalJobQueue) IsQueued(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[jobID]
	return ok
}

// Stats returns a snapshot of the counters.
func (q *LocalJobQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Running = len(q.running)
	s.Queued = q.heap.Len()
	return s
}

// RetryFailed re-enqueues every permanently failed job with a reset retry
// counter.
func (q *LocalJobQueue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	jobs := make([]IngestionJob, 0, len(q.failed))
	for _, job := range q.failed {
		jobs = append(jobs, job)
	}
	q.failed = make(map[string]IngestionJob)
	q.mu.Unlock()

	for _, job := range jobs {
		job.RetryCount = 0
		if _, err := q.Enqueue(ctx, job); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

// Shutdown stops intake, drains retry sleeps, waits up to timeout for
// in-flight jobs, and cancels whatever remains.
func (q *LocalJobQueue) Shutdown(ctx context.Context, timeout time.Duration) error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("shutdown timed out after %s with jobs still running", timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	// Cancel stragglers and wake any retry sleeps.
	q.stop()
	q.retries.Wait()
	q.workers.Wait()
	return err
}

var _ JobQueue = (*LocalJobQueue)(nil)
