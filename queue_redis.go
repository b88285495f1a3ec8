package mantle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout, relative to the configured prefix.
const (
	redisQueueKey  = ":queue"    // sorted set of job IDs
	redisJobsKey   = ":jobs"     // hash: job ID → serialized job
	redisStatusKey = ":status"   // hash: job ID → status
	redisStatsKey  = ":stats"    // hash: counter → value
	redisFailedKey = ":failed"   // hash: job ID → serialized job
	redisExecKey   = ":exec_ms"  // list of recent execution times
	redisCancelKey = ":cancel:"  // per-job cancel flag
)

// redisPollInterval is how often idle workers check for new jobs.
const redisPollInterval = 250 * time.Millisecond

// cancelPollInterval is how often a running job checks its cancel flag.
const cancelPollInterval = time.Second

// RedisJobQueue is the distributed JobQueue backend. Multiple processes
// share the queue through a sorted set; each process runs its own worker
// slots. Cancellation of running jobs is cooperative via a shared flag
// key that the owning worker polls.
type RedisJobQueue struct {
	rdb     *redis.Client
	handler JobHandler
	prefix  string

	maxConcurrent int
	maxRetries    int
	retryBase     time.Duration
	retryExp      float64
	retryMax      time.Duration

	mu      sync.Mutex
	local   map[string]context.CancelFunc // jobs running in this process
	closed  bool
	workers sync.WaitGroup
	retries sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc

	logger *slog.Logger
}

// RedisQueueOption configures a RedisJobQueue.
type RedisQueueOption func(*RedisJobQueue)

// RedisQueuePrefix namespaces all keys. Default "mantle".
func RedisQueuePrefix(p string) RedisQueueOption {
	return func(q *RedisJobQueue) {
		if p != "" {
			q.prefix = p
		}
	}
}

// RedisQueueMaxConcurrent bounds worker slots in this process.
func RedisQueueMaxConcurrent(n int) RedisQueueOption {
	return func(q *RedisJobQueue) {
		if n > 0 {
			q.maxConcurrent = n
		}
	}
}

// RedisQueueRetries configures retry count and backoff shape.
func RedisQueueRetries(maxRetries int, base time.Duration, exponent float64, max time.Duration) RedisQueueOption {
	return func(q *RedisJobQueue) {
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

// RedisQueueLogger attaches a logger.
func RedisQueueLogger(l *slog.Logger) RedisQueueOption {
	return func(q *RedisJobQueue) { q.logger = l }
}

// NewRedisJobQueue builds the queue and starts this process's workers.
func NewRedisJobQueue(rdb *redis.Client, handler JobHandler, opts ...RedisQueueOption) *RedisJobQueue {
	q := &RedisJobQueue{
		rdb:           rdb,
		handler:       handler,
		prefix:        "mantle",
		maxConcurrent: DefaultJobMaxConcurrent,
		maxRetries:    DefaultJobMaxRetries,
		retryBase:     DefaultJobRetryBase,
		retryExp:      DefaultJobRetryExponent,
		retryMax:      DefaultJobRetryMax,
		local:         make(map[string]context.CancelFunc),
		logger:        nopLogger,
	}
	q.baseCtx, q.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(q)
	}
	for i := 0; i < q.maxConcurrent; i++ {
		q.workers.Add(1)
		go q.worker()
	}
	return q
}

func (q *RedisJobQueue) key(suffix string) string { return q.prefix + suffix }

// score orders the sorted set: higher priority pops first, ties by
// earlier enqueue time.
func jobScore(job IngestionJob) float64 {
	return float64(job.EnqueuedAt.UnixMilli()) - float64(job.Priority)*1e15
}

// Enqueue stores the job and adds it to the shared queue.
func (q *RedisJobQueue) Enqueue(ctx context.Context, job IngestionJob) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", fmt.Errorf("queue is shut down")
	}

	if job.ID == "" {
		job.ID = NewID()
	}
	job.EnqueuedAt = time.Now()
	job.Status = JobQueued
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("serializing job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key(redisJobsKey), job.ID, data)
	pipe.HSet(ctx, q.key(redisStatusKey), job.ID, string(JobQueued))
	pipe.ZAdd(ctx, q.key(redisQueueKey), redis.Z{Score: jobScore(job), Member: job.ID})
	pipe.HIncrBy(ctx, q.key(redisStatsKey), "enqueued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return job.ID, nil
}

// worker pulls jobs from the shared queue until shutdown.
func (q *RedisJobQueue) worker() {
	defer q.workers.Done()
	for {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		job, ok := q.next()
		if !ok {
			select {
			case <-q.baseCtx.Done():
				return
			case <-time.After(redisPollInterval):
				continue
			}
		}
		q.runJob(job)
	}
}

// next pops the highest-priority job, claiming it for this process.
func (q *RedisJobQueue) next() (IngestionJob, bool) {
	ctx := q.baseCtx
	res, err := q.rdb.ZPopMin(ctx, q.key(redisQueueKey), 1).Result()
	if err != nil || len(res) == 0 {
		return IngestionJob{}, false
	}
	jobID, _ := res[0].Member.(string)
	data, err := q.rdb.HGet(ctx, q.key(redisJobsKey), jobID).Result()
	if err != nil {
		return IngestionJob{}, false
	}
	var job IngestionJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		q.logger.Error("dropping undecodable job", "job", jobID, "error", err)
		return IngestionJob{}, false
	}
	return job, true
}

// runJob executes one claimed job, watching the shared cancel flag.
func (q *RedisJobQueue) runJob(job IngestionJob) {
	ctx, cancel := context.WithCancel(q.baseCtx)
	q.mu.Lock()
	q.local[job.ID] = cancel
	q.mu.Unlock()

	q.setStatus(job.ID, JobRunning)
	q.rdb.HIncrBy(ctx, q.key(redisStatsKey), "running", 1)

	watchDone := make(chan struct{})
	go q.watchCancel(ctx, job.ID, cancel, watchDone)

	start := time.Now()
	err := q.handler(ctx, job)
	elapsed := time.Since(start)
	cancel()
	<-watchDone

	q.mu.Lock()
	delete(q.local, job.ID)
	q.mu.Unlock()

	// Stats writes use the base context where possible so a cancelled job
	// still records its outcome; fall back to a short deadline on shutdown.
	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	pipe := q.rdb.TxPipeline()
	pipe.HIncrBy(sctx, q.key(redisStatsKey), "running", -1)
	pipe.LPush(sctx, q.key(redisExecKey), strconv.FormatInt(elapsed.Milliseconds(), 10))
	pipe.LTrim(sctx, q.key(redisExecKey), 0, execSampleWindow-1)

	switch {
	case err == nil:
		q.setStatus(job.ID, JobCompleted)
		pipe.HIncrBy(sctx, q.key(redisStatsKey), "completed", 1)
		pipe.HSet(sctx, q.key(redisStatsKey), "last_completed_at", time.Now().Unix())
	case ctx.Err() != nil:
		q.setStatus(job.ID, JobCancelled)
		pipe.HIncrBy(sctx, q.key(redisStatsKey), "cancelled", 1)
	case job.RetryCount < q.maxRetries:
		pipe.HIncrBy(sctx, q.key(redisStatsKey), "retried", 1)
		q.scheduleRetry(job)
	default:
		q.setStatus(job.ID, JobFailed)
		data, _ := json.Marshal(job)
		pipe.HSet(sctx, q.key(redisFailedKey), job.ID, data)
		pipe.HIncrBy(sctx, q.key(redisStatsKey), "failed", 1)
		q.logger.Error("job failed permanently", "job", job.ID, "error", err)
	}
	if _, perr := pipe.Exec(sctx); perr != nil {
		q.logger.Warn("stats update failed", "job", job.ID, "error", perr)
	}
}

// watchCancel polls the shared cancel flag and cancels the job context
// when another process requests it.
func (q *RedisJobQueue) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.rdb.Exists(ctx, q.key(redisCancelKey)+jobID).Result()
			if err == nil && n > 0 {
				cancel()
				return
			}
		}
	}
}

// scheduleRetry sleeps the backoff in a tracked goroutine, then re-enqueues
// with the original priority.
func (q *RedisJobQueue) scheduleRetry(job IngestionJob) {
	job.RetryCount++
	delay := minDuration(time.Duration(float64(q.retryBase)*powFloat(q.retryExp, job.RetryCount-1)), q.retryMax)
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

func (q *RedisJobQueue) setStatus(jobID string, status JobStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.rdb.HSet(ctx, q.key(redisStatusKey), jobID, string(status)).Err(); err != nil {
		q.logger.Warn("status update failed", "job", jobID, "error", err)
	}
}

func (q *RedisJobQueue) status(jobID string) JobStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := q.rdb.HGet(ctx, q.key(redisStatusKey), jobID).Result()
	if err != nil {
		return ""
	}
	return JobStatus(s)
}

// Cancel removes a queued job or flags a running one for cooperative stop.
func (q *RedisJobQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	switch q.status(jobID) {
	case JobQueued:
		removed, err := q.rdb.ZRem(ctx, q.key(redisQueueKey), jobID).Result()
		if err != nil {
			return false, err
		}
		if removed == 0 {
			// A worker claimed it between the status read and the removal.
			return q.flagCancel(ctx, jobID)
		}
		q.setStatus(jobID, JobCancelled)
		q.rdb.HIncrBy(ctx, q.key(redisStatsKey), "cancelled", 1)
		return true, nil
	case JobRunning:
		return q.flagCancel(ctx, jobID)
	default:
		return false, nil
	}
}

// flagCancel sets the shared cancel key and short-circuits locally owned
// jobs without waiting for the poll. A pre-existing key means the job was
// already cancelled, so a repeat call reports false.
func (q *RedisJobQueue) flagCancel(ctx context.Context, jobID string) (bool, error) {
	set, err := q.rdb.SetNX(ctx, q.key(redisCancelKey)+jobID, "1", time.Hour).Result()
	if err != nil {
		return false, err
	}
	if !set {
		return false, nil
	}
	q.mu.Lock()
	if cancel, ok := q.local[jobID]; ok {
		cancel()
	}
	q.mu.Unlock()
	return true, nil
}

// IsRunning reports whether the job is executing anywhere in the cluster.
func (q *RedisJobQueue) IsRunning(jobID string) bool {
	return q.status(jobID) == JobRunning
}

// IsQueued reports whether the job is waiting in the shared queue.
func (q *RedisJobQueue) IsQueued(jobID string) bool {
	return q.status(jobID) == JobQueued
}

// Stats assembles counters from broker introspection.
func (q *RedisJobQueue) Stats() QueueStats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var s QueueStats
	fields, err := q.rdb.HGetAll(ctx, q.key(redisStatsKey)).Result()
	if err != nil {
		return s
	}
	geti := func(k string) int64 {
		n, _ := strconv.ParseInt(fields[k], 10, 64)
		return n
	}
	s.Enqueued = geti("enqueued")
	s.Completed = geti("completed")
	s.Failed = geti("failed")
	s.Cancelled = geti("cancelled")
	s.Retried = geti("retried")
	s.Running = int(geti("running"))
	if ts := geti("last_completed_at"); ts > 0 {
		s.LastCompletedAt = time.Unix(ts, 0)
	}

	if n, err := q.rdb.ZCard(ctx, q.key(redisQueueKey)).Result(); err == nil {
		s.Queued = int(n)
	}
	if samples, err := q.rdb.LRange(ctx, q.key(redisExecKey), 0, execSampleWindow-1).Result(); err == nil && len(samples) > 0 {
		var sum float64
		for _, v := range samples {
			f, _ := strconv.ParseFloat(v, 64)
			sum += f
		}
		s.AvgExecutionMS = sum / float64(len(samples))
	}
	return s
}

// RetryFailed re-enqueues every permanently failed job.
func (q *RedisJobQueue) RetryFailed(ctx context.Context) (int, error) {
	failed, err := q.rdb.HGetAll(ctx, q.key(redisFailedKey)).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for id, data := range failed {
		var job IngestionJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			q.logger.Warn("skipping undecodable failed job", "job", id, "error", err)
			continue
		}
		job.RetryCount = 0
		if _, err := q.Enqueue(ctx, job); err != nil {
			return count, err
		}
		q.rdb.HDel(ctx, q.key(redisFailedKey), id)
		count++
	}
	return count, nil
}

// Shutdown stops intake in this process, waits up to timeout for locally
// running jobs, then cancels the remainder. Jobs in the shared queue stay
// for other processes.
func (q *RedisJobQueue) Shutdown(ctx context.Context, timeout time.Duration) error {
	q.mu.Lock()
	q.closed = true
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

	q.stop()
	q.workers.Wait()
	q.retries.Wait()
	return err
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func powFloat(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

var _ JobQueue = (*RedisJobQueue)(nil)
