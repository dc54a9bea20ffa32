// Package jobrunner runs the worker pool that pulls scan tasks off the dispatch queue.
package jobrunner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/target/dwas-scanner/internal/core"
	jobdomain "github.com/target/dwas-scanner/internal/domain/job"
	"github.com/target/dwas-scanner/internal/domain/model"
	"github.com/target/dwas-scanner/internal/observability/statsd"
)

// Executor runs one job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

const (
	defaultLease   = 90 * time.Second
	cleanupTimeout = 10 * time.Second
)

// RunnerOptions configures the worker pool.
type RunnerOptions struct {
	Queue    core.TaskQueue
	Guard    core.InFlightGuard
	Executor Executor
	Notifier jobdomain.Notifier
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Lease is the task lease and in-flight token TTL; both are renewed while a job runs.
	Lease       time.Duration
	Concurrency int
	// WorkerID prefixes the in-flight token owner. Defaults to a random id.
	WorkerID string
}

// Runner pulls scan tasks and executes them with at most one execution per job.
type Runner struct {
	queue    core.TaskQueue
	guard    core.InFlightGuard
	executor Executor
	notifier jobdomain.Notifier
	logger   *slog.Logger
	metrics  statsd.Sink
	lease    jobdomain.LeaseDecision
	workers  int
	workerID string
}

// NewRunner validates options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	switch {
	case opts.Queue == nil:
		return nil, errors.New("task queue is required")
	case opts.Guard == nil:
		return nil, errors.New("in-flight guard is required")
	case opts.Executor == nil:
		return nil, errors.New("executor is required")
	case opts.Notifier == nil:
		return nil, errors.New("notifier is required")
	}

	policy, err := jobdomain.NewLeasePolicy(defaultLease)
	if err != nil {
		return nil, err
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	return &Runner{
		queue:    opts.Queue,
		guard:    opts.Guard,
		executor: opts.Executor,
		notifier: opts.Notifier,
		logger:   logger.With("component", "job_runner", "worker_id", workerID),
		metrics:  opts.Metrics,
		lease:    policy.Resolve(opts.Lease),
		workers:  workers,
		workerID: workerID,
	}, nil
}

// Run starts worker goroutines and processes tasks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"workers", r.workers,
		"lease", r.lease.Lease,
		"heartbeat", r.lease.Heartbeat,
	)

	unsub, ch := r.notifier.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	for i := range r.workers {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			r.workerLoop(ctx, slot, ch)
		}(i)
	}
	wg.Wait()

	r.logger.InfoContext(ctx, "job runner stopped")
	return ctx.Err()
}

func newReserveBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (r *Runner) workerLoop(ctx context.Context, slot int, notify <-chan struct{}) {
	logger := r.logger.With("slot", slot)
	retry := newReserveBackoff()

	for ctx.Err() == nil {
		task, err := r.queue.ReserveNext(ctx, r.lease.Lease)
		switch {
		case err == nil:
			retry.Reset()
			r.processTask(ctx, logger, task)
		case errors.Is(err, model.ErrNoTasksAvailable):
			retry.Reset()
			if !waitForNotify(ctx, notify) {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			wait := retry.NextBackOff()
			logger.WarnContext(ctx, "reserve task failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
		}
	}
}

func waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-notify:
		return ok
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Runner) processTask(ctx context.Context, logger *slog.Logger, task *model.ScanTask) {
	logger = logger.With("job_id", task.JobID, "task_id", task.ID, "task_attempt", task.Attempts)
	owner := r.workerID + ":" + task.ID

	acquired, err := r.guard.Acquire(ctx, task.JobID, owner, r.lease.Lease)
	if err != nil {
		// Leave the task leased; it becomes available again when the lease expires.
		logger.ErrorContext(ctx, "acquire in-flight token failed", "error", err)
		return
	}
	if !acquired {
		logger.InfoContext(ctx, "job already running elsewhere; dropping duplicate task")
		r.count("dispatch.duplicate_skipped")
		r.ack(logger, task)
		return
	}
	defer r.release(logger, task.JobID, owner)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		r.heartbeat(hbCtx, logger, task, owner)
	}()

	execErr := r.executor.Execute(ctx, task.JobID)
	stopHeartbeat()
	hb.Wait()

	if execErr != nil && ctx.Err() != nil {
		// Shutting down mid-scan: keep the task so it is redelivered after the lease expires.
		logger.WarnContext(ctx, "scan interrupted by shutdown", "error", execErr)
		return
	}
	if execErr != nil {
		logger.ErrorContext(ctx, "scan execution error", "error", execErr)
	}
	r.ack(logger, task)
}

// heartbeat renews the task lease and in-flight token until ctx ends.
func (r *Runner) heartbeat(ctx context.Context, logger *slog.Logger, task *model.ScanTask, owner string) {
	ticker := time.NewTicker(r.lease.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if ok, err := r.guard.Extend(ctx, task.JobID, owner, r.lease.Lease); err != nil {
			logger.WarnContext(ctx, "extend in-flight token failed", "error", err)
		} else if !ok {
			logger.WarnContext(ctx, "in-flight token lost")
		}
		if ok, err := r.queue.ExtendLease(ctx, task.ID, r.lease.Lease); err != nil {
			logger.WarnContext(ctx, "extend task lease failed", "error", err)
		} else if !ok {
			logger.InfoContext(ctx, "task no longer queued; job was likely deleted")
		}
	}
}

func (r *Runner) ack(logger *slog.Logger, task *model.ScanTask) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.queue.Ack(ctx, task.ID); err != nil {
		logger.ErrorContext(ctx, "ack task failed", "error", err)
	}
}

func (r *Runner) release(logger *slog.Logger, jobID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := r.guard.Release(ctx, jobID, owner); err != nil {
		logger.WarnContext(ctx, "release in-flight token failed", "error", err)
	}
}

func (r *Runner) count(name string) {
	if r.metrics == nil {
		return
	}
	r.metrics.Count(name, 1, nil)
}
