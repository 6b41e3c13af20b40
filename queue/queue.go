package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Phala-Network/dstack-verifier/shared"
	"github.com/Phala-Network/dstack-verifier/verifier"
)

// Runner runs the verification checks for a job's targets. Satisfied by
// *verifier.Verifier; tests substitute stubs.
type Runner interface {
	VerifyAll(ctx context.Context, specs []verifier.TargetSpec) ([]verifier.Result, error)
}

// Options configures the queue. All values come from the external
// configuration; the queue does not negotiate them.
type Options struct {
	WorkerCount      int
	MaxAttempts      int
	BackoffBaseDelay time.Duration
	BackoffMaxDelay  time.Duration
	Capacity         int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.WorkerCount <= 0 {
		out.WorkerCount = 4
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BackoffBaseDelay <= 0 {
		out.BackoffBaseDelay = 500 * time.Millisecond
	}
	if out.BackoffMaxDelay <= 0 {
		out.BackoffMaxDelay = 30 * time.Second
	}
	if out.Capacity <= 0 {
		out.Capacity = 1024
	}
	return out
}

// job is the internal unit of work. Jobs move Pending -> Running ->
// {Completed, Failed}; Running -> Pending happens only on the retry path.
type job struct {
	taskID    string
	dedupeKey string
	specs     []verifier.TargetSpec
	attempt   int // attempts already started; survives re-enqueues
	cancelled atomic.Bool
}

// Job is a verification request.
type Job struct {
	// DedupeKey, when set, lets a newer submission supersede a queued
	// older one for the same target set.
	DedupeKey string
	Specs     []verifier.TargetSpec
}

// Queue is a bounded-concurrency verification job queue. A fixed number of
// workers pull jobs; jobs beyond the worker count wait, which bounds the
// outbound load on image hosts and RPC endpoints.
type Queue struct {
	opts   Options
	runner Runner
	store  TaskStore
	logger *shared.Logger

	jobs   chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	byDedupe map[string]*job
	byTask   map[string]*job
}

// New creates a queue. Call Start to launch the workers.
func New(opts Options, runner Runner, store TaskStore, logger *shared.Logger) *Queue {
	opts = (&opts).withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:     opts,
		runner:   runner,
		store:    store,
		logger:   logger,
		jobs:     make(chan *job, opts.Capacity),
		ctx:      ctx,
		cancel:   cancel,
		byDedupe: make(map[string]*job),
		byTask:   make(map[string]*job),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for range q.opts.WorkerCount {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Info("verification queue started", zap.Int("workers", q.opts.WorkerCount))
}

// Stop cancels all pending work and waits for in-flight attempts to finish.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

// Submit enqueues a verification job and returns its task ID. If the job
// carries a dedupe key matching an earlier job that has not finished, the
// earlier job is cancelled at its next retry boundary.
func (q *Queue) Submit(ctx context.Context, j Job) (string, error) {
	if len(j.Specs) == 0 {
		return "", fmt.Errorf("queue: job has no targets")
	}

	taskID := uuid.NewString()
	task := &Task{
		ID:        taskID,
		Status:    TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := q.store.Put(ctx, task); err != nil {
		return "", fmt.Errorf("queue: persisting task: %w", err)
	}

	jb := &job{taskID: taskID, dedupeKey: j.DedupeKey, specs: j.Specs}

	q.mu.Lock()
	select {
	case q.jobs <- jb:
	default:
		q.mu.Unlock()
		task.Status = TaskFailed
		task.ErrorMessage = "queue full"
		task.FinishedAt = time.Now().UTC()
		if err := q.store.Put(ctx, task); err != nil {
			q.logger.WithTask(taskID).Error("persisting rejection", zap.Error(err))
		}
		return "", fmt.Errorf("queue: full (%d pending)", q.opts.Capacity)
	}
	if j.DedupeKey != "" {
		if prev, ok := q.byDedupe[j.DedupeKey]; ok {
			prev.cancelled.Store(true)
		}
		q.byDedupe[j.DedupeKey] = jb
	}
	q.byTask[taskID] = jb
	q.mu.Unlock()

	q.logger.WithTask(taskID).Info("job queued", zap.Int("targets", len(j.Specs)))
	return taskID, nil
}

// Cancel requests cancellation of a task. Cancellation is cooperative: it
// takes effect before the next attempt, never mid-attempt.
func (q *Queue) Cancel(taskID string) bool {
	q.mu.Lock()
	jb, ok := q.byTask[taskID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	jb.cancelled.Store(true)
	return true
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case jb := <-q.jobs:
			q.run(jb)
		}
	}
}

// run executes one attempt. A retry does not hold the worker through the
// backoff: the job goes back onto the channel after the delay, so other
// queued jobs proceed while a flaky target waits.
func (q *Queue) run(jb *job) {
	if jb.cancelled.Load() {
		q.finish(jb, TaskFailed, nil, "cancelled", jb.attempt)
		return
	}

	jb.attempt++
	q.transition(jb, TaskRunning, jb.attempt)
	results, err := q.runner.VerifyAll(q.ctx, jb.specs)
	if err == nil {
		status, msg := verdict(results)
		q.finish(jb, status, results, msg, jb.attempt)
		return
	}

	act := nextAction(jb.attempt, q.opts.MaxAttempts, err, q.opts.BackoffBaseDelay, q.opts.BackoffMaxDelay)
	if !act.Retry {
		q.finish(jb, TaskFailed, results, err.Error(), jb.attempt)
		return
	}

	// Back to Pending between attempts; this is the cancellation boundary.
	q.transition(jb, TaskPending, jb.attempt)
	q.logger.WithTask(jb.taskID).Warn("attempt failed, retrying",
		zap.Int("attempt", jb.attempt),
		zap.Duration("delay", act.Delay),
		zap.Error(err))
	q.requeue(jb, act.Delay)
}

// requeue puts the job back on the channel after the backoff delay, off the
// worker goroutine. Shutdown during the delay finishes the task instead of
// leaving it pending forever.
func (q *Queue) requeue(jb *job, delay time.Duration) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-q.ctx.Done():
			q.finish(jb, TaskFailed, nil, "queue shutting down", jb.attempt)
		case <-timer.C:
			select {
			case <-q.ctx.Done():
				q.finish(jb, TaskFailed, nil, "queue shutting down", jb.attempt)
			case q.jobs <- jb:
			}
		}
	}()
}

// verdict derives the task outcome from a complete result set: completed
// iff every target verified, otherwise failed with the first blocking reason
// while every per-target result stays available for diagnostics.
func verdict(results []verifier.Result) (TaskStatus, string) {
	for _, r := range results {
		if !r.Verified() {
			msg := fmt.Sprintf("%s: %s", r.TargetKind, r.Status)
			if r.Reason != "" {
				msg = fmt.Sprintf("%s: %s", msg, r.Reason)
			}
			return TaskFailed, msg
		}
	}
	return TaskCompleted, ""
}

func (q *Queue) transition(jb *job, status TaskStatus, attempt int) {
	task, err := q.store.Get(q.ctx, jb.taskID)
	if err != nil {
		task = &Task{ID: jb.taskID, CreatedAt: time.Now().UTC()}
	}
	task.Status = status
	task.Attempts = attempt
	if err := q.store.Put(q.ctx, task); err != nil {
		q.logger.WithTask(jb.taskID).Error("persisting transition", zap.Error(err))
	}
}

func (q *Queue) finish(jb *job, status TaskStatus, results []verifier.Result, msg string, attempts int) {
	q.forget(jb)
	task, err := q.store.Get(q.ctx, jb.taskID)
	if err != nil {
		task = &Task{ID: jb.taskID, CreatedAt: time.Now().UTC()}
	}
	task.Status = status
	task.Results = results
	task.ErrorMessage = msg
	task.Attempts = attempts
	task.FinishedAt = time.Now().UTC()
	if err := q.store.Put(q.ctx, task); err != nil {
		q.logger.WithTask(jb.taskID).Error("persisting verdict", zap.Error(err))
	}

	q.logger.WithTask(jb.taskID).Info("job finished",
		zap.String("status", string(status)),
		zap.Int("attempts", attempts),
		zap.String("error", msg))
}

func (q *Queue) forget(jb *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.byTask, jb.taskID)
	if jb.dedupeKey != "" && q.byDedupe[jb.dedupeKey] == jb {
		delete(q.byDedupe, jb.dedupeKey)
	}
}
