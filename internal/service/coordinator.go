package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/data"
	jobdomain "github.com/target/dwas-scanner/internal/domain/job"
	"github.com/target/dwas-scanner/internal/domain/model"
	"github.com/target/dwas-scanner/internal/domain/scan"
	"github.com/target/dwas-scanner/internal/observability/metrics"
	"github.com/target/dwas-scanner/internal/observability/statsd"
)

// WorkDirPruner removes a job's working tree once it is no longer needed.
type WorkDirPruner interface {
	PruneWorkDir(workDir string) error
}

// ScanCoordinatorOptions groups dependencies for ScanCoordinator.
type ScanCoordinatorOptions struct {
	Repo      core.JobRepository  // Required: job repository
	Analyzers []core.Analyzer     // Required: at least one analyzer
	Events    core.EventPublisher // Optional: lifecycle event publisher
	Logger    *slog.Logger        // Optional: structured logger
	Metrics   statsd.Sink         // Optional: metrics sink (StatsD-compatible)

	// Concurrency bounds analyzers running at once for one job. Defaults to all of them.
	Concurrency int
	// MaxAttempts fails a job instead of scanning it once it has been started more
	// than this many times. Zero disables the limit.
	MaxAttempts int
	// Pruner, when set, removes the working tree after the terminal transition.
	Pruner WorkDirPruner
	Now    func() time.Time
}

// ScanCoordinator drives one job from pending to exactly one terminal state.
type ScanCoordinator struct {
	repo        core.JobRepository
	analyzers   []core.Analyzer
	events      core.EventPublisher
	logger      *slog.Logger
	metrics     statsd.Sink
	concurrency int
	maxAttempts int
	pruner      WorkDirPruner
	now         func() time.Time
}

// NewScanCoordinator constructs a new ScanCoordinator.
func NewScanCoordinator(opts ScanCoordinatorOptions) (*ScanCoordinator, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if len(opts.Analyzers) == 0 {
		return nil, errors.New("at least one analyzer is required")
	}
	events := opts.Events
	if events == nil {
		events = core.NopPublisher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 || concurrency > len(opts.Analyzers) {
		concurrency = len(opts.Analyzers)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &ScanCoordinator{
		repo:        opts.Repo,
		analyzers:   opts.Analyzers,
		events:      events,
		logger:      logger.With("component", "scan_coordinator"),
		metrics:     opts.Metrics,
		concurrency: concurrency,
		maxAttempts: opts.MaxAttempts,
		pruner:      opts.Pruner,
		now:         now,
	}, nil
}

// scanError is an orchestration failure with the stack where it was detected.
type scanError struct {
	err   error
	trace string
}

func (e *scanError) Error() string { return e.err.Error() }
func (e *scanError) Unwrap() error { return e.err }

func newScanError(err error) *scanError {
	return &scanError{err: err, trace: string(debug.Stack())}
}

// Execute runs every analyzer against the job's working tree and records the outcome.
//
// Jobs already in a terminal state, or deleted, are skipped without error. Individual
// analyzer failures are part of the result and never fail the job. An error is returned
// only when no terminal state could be recorded; the job is then left ongoing for recovery.
// A job started more than MaxAttempts times is failed without being scanned.
func (c *ScanCoordinator) Execute(ctx context.Context, jobID string) error {
	start := c.now()
	logger := c.logger.With("job_id", jobID)

	job, err := c.repo.MarkOngoing(ctx, jobID)
	switch {
	case errors.Is(err, jobdomain.ErrInvalidTransition):
		logger.InfoContext(ctx, "job already finished; skipping")
		return nil
	case errors.Is(err, data.ErrJobNotFound):
		logger.InfoContext(ctx, "job no longer exists; skipping")
		return nil
	case err != nil:
		return fmt.Errorf("mark job ongoing: %w", err)
	}
	logger = logger.With("attempt", job.Attempts)

	var (
		outcomes []scan.Outcome
		scanErr  *scanError
	)
	if c.maxAttempts > 0 && job.Attempts > c.maxAttempts {
		// Lease-expiry redelivery never passes through the reaper's attempt check.
		logger.WarnContext(ctx, "attempt limit exceeded; failing job", "max_attempts", c.maxAttempts)
		scanErr = &scanError{
			err:   errors.New(AbandonedScanMessage),
			trace: fmt.Sprintf("job started %d times, limit is %d", job.Attempts, c.maxAttempts),
		}
	} else {
		logger.InfoContext(ctx, "scan started", "analyzers", len(c.analyzers))
		c.publish(ctx, model.JobEventStarted, job)

		outcomes, scanErr = c.scanSafely(ctx, job)
		if ctx.Err() != nil {
			logger.WarnContext(ctx, "scan interrupted; leaving job for recovery", "error", ctx.Err())
			return ctx.Err()
		}
	}

	if scanErr == nil {
		done, err := c.complete(ctx, job, outcomes)
		if err == nil {
			c.finish(ctx, logger, done, start, nil)
			return nil
		}
		if isSettled(err) {
			logger.InfoContext(ctx, "job settled elsewhere before completion", "error", err)
			return nil
		}
		logger.ErrorContext(ctx, "store scan result failed; failing job", "error", err)
		scanErr = newScanError(fmt.Errorf("store scan result: %w", err))
	}

	failed, err := c.repo.Fail(ctx, job.ID, model.JobError{Message: scanErr.Error(), Trace: scanErr.trace})
	if err != nil {
		if isSettled(err) {
			logger.InfoContext(ctx, "job settled elsewhere before failure", "error", err)
			return nil
		}
		metrics.EmitJobLifecycle(c.metrics, metrics.JobMetric{
			Transition: "failed",
			Result:     metrics.ResultError,
			Attempt:    job.Attempts,
			Err:        err,
		})
		return fmt.Errorf("record job failure: %w", err)
	}
	c.finish(ctx, logger, failed, start, scanErr)
	return nil
}

func isSettled(err error) bool {
	return errors.Is(err, jobdomain.ErrInvalidTransition) || errors.Is(err, data.ErrJobNotFound)
}

// scanSafely runs the analyzers, converting a panic anywhere in orchestration into a scanError.
func (c *ScanCoordinator) scanSafely(ctx context.Context, job *model.Job) (outcomes []scan.Outcome, serr *scanError) {
	defer func() {
		if r := recover(); r != nil {
			outcomes = nil
			serr = &scanError{err: fmt.Errorf("scan panicked: %v", r), trace: string(debug.Stack())}
		}
	}()

	if _, err := os.ReadDir(job.WorkDir); err != nil {
		return nil, newScanError(fmt.Errorf("working tree unavailable: %w", err))
	}
	return c.runAnalyzers(ctx, job.WorkDir), nil
}

func (c *ScanCoordinator) runAnalyzers(ctx context.Context, dir string) []scan.Outcome {
	outcomes := make([]scan.Outcome, len(c.analyzers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, a := range c.analyzers {
		g.Go(func() error {
			outcomes[i] = c.analyze(gctx, a, dir)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		failure := ""
		if o.Failed() {
			failure = string(o.Failure.Kind)
		}
		metrics.EmitAnalyzer(c.metrics, metrics.AnalyzerMetric{
			Tool:        o.Tool,
			Category:    string(o.Category),
			FailureKind: failure,
			Issues:      o.Issues,
			Duration:    o.Duration,
		})
	}
	return outcomes
}

// analyze isolates one analyzer so its panic becomes its own failure marker.
func (c *ScanCoordinator) analyze(ctx context.Context, a core.Analyzer, dir string) (out scan.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "analyzer panicked", "tool", a.Name(), "panic", r, "stack", string(debug.Stack()))
			out = scan.Fail(a.Category(), a.Name(), scan.FailureInternal, fmt.Sprintf("analyzer panicked: %v", r))
		}
	}()
	out = a.Analyze(ctx, dir)
	// Keys in the result always come from the registered analyzer.
	out.Tool = a.Name()
	out.Category = a.Category()
	return out
}

func (c *ScanCoordinator) complete(ctx context.Context, job *model.Job, outcomes []scan.Outcome) (*model.Job, error) {
	result := scan.Aggregate(outcomes)
	raw, err := result.Marshal()
	if err != nil {
		return nil, err
	}
	summary := scan.Summarize(outcomes)
	return c.repo.Complete(ctx, job.ID, model.CompleteJobRequest{Result: raw, Summary: summary.String()})
}

func (c *ScanCoordinator) finish(ctx context.Context, logger *slog.Logger, job *model.Job, start time.Time, scanErr error) {
	transition, evt, result := "completed", model.JobEventCompleted, metrics.ResultSuccess
	if job.Status == model.JobStatusFailed {
		transition, evt, result = "failed", model.JobEventFailed, metrics.ResultError
	}
	elapsed := c.now().Sub(start)

	if scanErr != nil {
		logger.ErrorContext(ctx, "scan failed", "error", scanErr, "duration", elapsed)
	} else {
		summary := ""
		if job.Summary != nil {
			summary = *job.Summary
		}
		logger.InfoContext(ctx, "scan completed", "summary", summary, "duration", elapsed)
	}

	metrics.EmitJobLifecycle(c.metrics, metrics.JobMetric{
		Transition: transition,
		Result:     result,
		Attempt:    job.Attempts,
		Duration:   elapsed,
		Err:        scanErr,
	})
	c.publish(ctx, evt, job)

	if c.pruner != nil && job.WorkDir != "" {
		if err := c.pruner.PruneWorkDir(job.WorkDir); err != nil {
			logger.WarnContext(ctx, "prune working tree", "error", err)
		}
	}
}

func (c *ScanCoordinator) publish(ctx context.Context, t model.JobEventType, job *model.Job) {
	if err := c.events.Publish(ctx, model.NewJobEvent(t, job, c.now())); err != nil {
		c.logger.WarnContext(ctx, "publish job event", "type", t, "job_id", job.ID, "error", err)
	}
}
