// Package queue implements C9: a durable-dedup, worker-pool-driven
// execution queue. Grounded on ghostpool.PoolManager's fixed worker
// pool with a maintenance goroutine, and webhooks.Dispatcher's
// stalled-delivery/dead-letter handling, generalized from container
// leasing to execution-context dispatch with a store-backed dedup key
// instead of an in-memory set (dedup must survive a process restart).
package queue

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/cognigate/internal/cgerrors"
	"github.com/ocx/cognigate/internal/infra"
	"github.com/ocx/cognigate/internal/types"
)

const dedupKeyPrefix = "cognigate:queue:seen:"

// Processor executes one job. It is expected to be engine.Engine.Execute
// adapted to this signature by the composition root.
type Processor func(ctx context.Context, execCtx types.ExecutionContext) (*types.Result, error)

// Job is one queued execution request.
type Job struct {
	ExecCtx    types.ExecutionContext
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// Config controls queue capacity and worker/stall behavior.
type Config struct {
	Capacity         int           // max buffered jobs before Enqueue rejects with KindResourceExhausted
	WorkerCount      int           // concurrent job processors
	DedupTTL         time.Duration // how long a dedup key blocks a repeat enqueue
	StalledTimeout   time.Duration // how long a job may run before it's presumed stalled
	StallCheckPeriod time.Duration
	MaxAttempts      int // attempts (including the first) before a job moves to the dead letter lane
}

func (c Config) withDefaults() Config {
	out := c
	if out.Capacity <= 0 {
		out.Capacity = 1000
	}
	if out.WorkerCount <= 0 {
		out.WorkerCount = 8
	}
	if out.DedupTTL <= 0 {
		out.DedupTTL = 10 * time.Minute
	}
	if out.StalledTimeout <= 0 {
		out.StalledTimeout = 2 * time.Minute
	}
	if out.StallCheckPeriod <= 0 {
		out.StallCheckPeriod = 15 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	return out
}

// Queue is the execution dispatch queue.
type Queue struct {
	cfg   Config
	store infra.Store

	jobs chan Job

	mu         sync.Mutex
	inFlight   map[string]time.Time
	deadLetter *list.List // of Job

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Queue. The store is used only for the durable dedup key;
// jobs themselves live in the in-process buffered channel.
func New(cfg Config, store infra.Store) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:        cfg,
		store:      store,
		jobs:       make(chan Job, cfg.Capacity),
		inFlight:   make(map[string]time.Time),
		deadLetter: list.New(),
		stop:       make(chan struct{}),
	}
}

// Enqueue admits one execution request, deduping by ExecutionID.
func (q *Queue) Enqueue(ctx context.Context, execCtx types.ExecutionContext) error {
	ok, err := q.store.SetNX(ctx, dedupKeyPrefix+execCtx.ExecutionID, []byte("1"), q.cfg.DedupTTL)
	if err != nil {
		return cgerrors.New(cgerrors.KindDatabase, "QUEUE_DEDUP_FAILED", "dedup check failed").Wrap(err)
	}
	if !ok {
		return cgerrors.New(cgerrors.KindConflict, "QUEUE_DUPLICATE", fmt.Sprintf("execution %q already enqueued", execCtx.ExecutionID))
	}

	job := Job{ExecCtx: execCtx, EnqueuedAt: time.Now()}
	select {
	case q.jobs <- job:
		return nil
	default:
		return cgerrors.New(cgerrors.KindResourceExhausted, "QUEUE_FULL", "execution queue is at capacity")
	}
}

// EnqueueBatch enqueues each item independently, returning one error per
// item (nil where that item succeeded).
func (q *Queue) EnqueueBatch(ctx context.Context, items []types.ExecutionContext) []error {
	errs := make([]error, len(items))
	for i, item := range items {
		errs[i] = q.Enqueue(ctx, item)
	}
	return errs
}

// Start launches the worker pool and the stall-detection loop.
func (q *Queue) Start(ctx context.Context, process Processor) {
	for i := 0; i < q.cfg.WorkerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx, process)
	}
	q.wg.Add(1)
	go q.detectStalled()
}

func (q *Queue) worker(ctx context.Context, process Processor) {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			q.runJob(ctx, job, process)
		case <-q.stop:
			return
		}
	}
}

func (q *Queue) runJob(ctx context.Context, job Job, process Processor) {
	job.Attempts++
	q.mu.Lock()
	q.inFlight[job.ExecCtx.ExecutionID] = time.Now()
	q.mu.Unlock()

	_, err := process(ctx, job.ExecCtx)

	q.mu.Lock()
	delete(q.inFlight, job.ExecCtx.ExecutionID)
	q.mu.Unlock()

	if err == nil {
		return
	}

	job.LastError = err.Error()
	if job.Attempts >= q.cfg.MaxAttempts {
		q.moveToDeadLetter(job)
		return
	}

	select {
	case q.jobs <- job:
	default:
		q.moveToDeadLetter(job)
	}
}

func (q *Queue) moveToDeadLetter(job Job) {
	slog.Warn("job moved to dead letter lane", "execution_id", job.ExecCtx.ExecutionID, "attempts", job.Attempts, "error", job.LastError)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter.PushBack(job)
}

// detectStalled periodically scans in-flight jobs for ones running
// longer than StalledTimeout. It cannot recover the worker goroutine
// itself (Go has no way to preempt a blocked goroutine), so it only
// logs — the dead letter lane is populated by the worker's own
// completion path once (if ever) the call returns.
func (q *Queue) detectStalled() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.StallCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.mu.Lock()
			now := time.Now()
			for id, start := range q.inFlight {
				if now.Sub(start) > q.cfg.StalledTimeout {
					slog.Warn("execution appears stalled", "execution_id", id, "running_for", now.Sub(start))
				}
			}
			q.mu.Unlock()
		case <-q.stop:
			return
		}
	}
}

// DeadLetter returns a snapshot of every job that exhausted its attempts.
func (q *Queue) DeadLetter() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, q.deadLetter.Len())
	for el := q.deadLetter.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Job))
	}
	return out
}

// RetryDeadLetter re-enqueues one dead-lettered job by ExecutionID,
// resetting its attempt count.
func (q *Queue) RetryDeadLetter(executionID string) error {
	q.mu.Lock()
	var found *list.Element
	for el := q.deadLetter.Front(); el != nil; el = el.Next() {
		if el.Value.(Job).ExecCtx.ExecutionID == executionID {
			found = el
			break
		}
	}
	if found == nil {
		q.mu.Unlock()
		return cgerrors.New(cgerrors.KindNotFound, "DEAD_LETTER_NOT_FOUND", fmt.Sprintf("no dead-lettered job %q", executionID))
	}
	job := q.deadLetter.Remove(found).(Job)
	q.mu.Unlock()

	job.Attempts = 0
	job.LastError = ""
	select {
	case q.jobs <- job:
		return nil
	default:
		return cgerrors.New(cgerrors.KindResourceExhausted, "QUEUE_FULL", "execution queue is at capacity")
	}
}

// Pending returns the number of jobs currently buffered (not yet picked
// up by a worker).
func (q *Queue) Pending() int { return len(q.jobs) }

// InFlight returns the number of jobs currently being processed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Stop signals every worker and the stall-detection loop to exit, and
// waits for them to finish their current job.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}
