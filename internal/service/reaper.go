package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/dwas-scanner/config"
	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/data"
	jobdomain "github.com/target/dwas-scanner/internal/domain/job"
	"github.com/target/dwas-scanner/internal/domain/model"
	obserrors "github.com/target/dwas-scanner/internal/observability/errors"
	"github.com/target/dwas-scanner/internal/observability/metrics"
	"github.com/target/dwas-scanner/internal/observability/statsd"
)

// AbandonedScanMessage is the failure recorded on a job whose workers kept disappearing.
const AbandonedScanMessage = "scan abandoned after repeated worker loss"

// FileReleaser deletes the files that belong to a removed job.
type FileReleaser interface {
	RemovePaths(artifactPath, workDir string) error
}

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required: reaper repository
	Jobs    core.JobRepository    // Required: used to fail abandoned jobs
	Config  config.ReaperConfig   // Required: reaper configuration
	Guard   core.InFlightGuard    // Optional: skips stale jobs whose in-flight token is still held
	Files   FileReleaser          // Optional: releases files of jobs removed by retention
	Events  core.EventPublisher   // Optional: lifecycle event publisher
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ReaperService recovers jobs that lost their worker and enforces retention.
//
// Each pass:
//   - releases scan tasks whose lease expired so another worker picks them up
//   - requeues ongoing jobs that have no task and no in-flight token, or fails them
//     once they used up their attempts
//   - deletes terminal jobs older than the retention window, when one is configured
type ReaperService struct {
	repo    core.ReaperRepository
	jobs    core.JobRepository
	config  config.ReaperConfig
	guard   core.InFlightGuard
	files   FileReleaser
	events  core.EventPublisher
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Config.MaxAttempts < 1 {
		return nil, errors.New("max attempts must be at least 1")
	}
	if opts.Config.BatchSize < 1 {
		return nil, errors.New("batch size must be at least 1")
	}

	events := opts.Events
	if events == nil {
		events = core.NopPublisher{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"stale_after", opts.Config.StaleAfter,
			"max_attempts", opts.Config.MaxAttempts,
			"retention", opts.Config.Retention,
		)
	}

	return &ReaperService{
		repo:    opts.Repo,
		jobs:    opts.Jobs,
		config:  opts.Config,
		guard:   opts.Guard,
		files:   opts.Files,
		events:  events,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		panic(fmt.Errorf("failed to create ReaperService: %w", err))
	}
	return svc
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Spread out instances that start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.RunOnce(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter sleeps a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

// RunOnce performs a single cleanup pass. Every step runs even if an earlier one failed.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
		metricsData        = cleanupMetrics{}
	)

	steps := []cleanupStep{
		{
			fn:        s.requeueExpiredTasks,
			label:     "requeue expired tasks",
			count:     &metricsData.ExpiredCount,
			metricErr: &metricsData.ExpiredErr,
		},
		{
			fn:        s.recoverStaleJobs,
			label:     "recover stale jobs",
			count:     &metricsData.StaleCount,
			metricErr: &metricsData.StaleErr,
		},
		{
			fn:        s.deleteExpiredJobs,
			label:     "delete expired jobs",
			count:     &metricsData.RetentionCount,
			metricErr: &metricsData.RetentionErr,
		},
	}

	for _, step := range steps {
		outcome := s.executeCleanupStep(ctx, step.fn, step.label)
		*step.count = outcome.count
		*step.metricErr = outcome.metricErr
		if outcome.aggregateErr != nil {
			errs = append(errs, outcome.aggregateErr)
			allContextCanceled = allContextCanceled && outcome.canceled
		}
	}

	metricsData.Elapsed = time.Since(start)
	s.emitCleanupMetrics(metricsData)

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}

	return nil
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn        cleanupFunc
	label     string
	count     *int64
	metricErr *error
}

type cleanupStepOutcome struct {
	count        int64
	metricErr    error
	aggregateErr error
	canceled     bool
}

func (s *ReaperService) executeCleanupStep(
	ctx context.Context,
	fn cleanupFunc,
	label string,
) cleanupStepOutcome {
	count, err := fn(ctx)
	outcome := cleanupStepOutcome{
		count:     count,
		metricErr: suppressContextCancellation(err),
		canceled:  isContextCancellation(err),
	}
	if err != nil {
		outcome.aggregateErr = fmt.Errorf("%s: %w", label, err)
	}
	return outcome
}

func (s *ReaperService) requeueExpiredTasks(ctx context.Context) (int64, error) {
	count, err := s.repo.RequeueExpired(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "released expired task leases", "count", count)
	}
	return count, nil
}

// recoverStaleJobs handles one batch of ongoing jobs that have no task. Jobs whose in-flight
// token is still held belong to a live worker that has not reported yet and are left alone.
func (s *ReaperService) recoverStaleJobs(ctx context.Context) (int64, error) {
	stale, err := s.repo.FindStaleOngoing(ctx, core.FindStaleJobsParams{
		OlderThan: s.config.StaleAfter,
		Limit:     s.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	var (
		recovered int64
		errs      []error
	)
	for _, job := range stale {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		ok, err := s.recoverJob(ctx, job)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, errors.Join(errs...)
}

func (s *ReaperService) recoverJob(ctx context.Context, job *model.Job) (bool, error) {
	if s.guard != nil {
		held, err := s.guard.Held(ctx, job.ID)
		if err != nil {
			return false, fmt.Errorf("check in-flight token: %w", err)
		}
		if held {
			return false, nil
		}
	}

	if job.Attempts < s.config.MaxAttempts {
		requeued, err := s.repo.Requeue(ctx, job.ID)
		if err != nil {
			return false, err
		}
		if requeued && s.logger != nil {
			s.logger.InfoContext(ctx, "requeued stale job",
				"job_id", job.ID,
				"attempts", job.Attempts,
				"last_update", job.UpdatedAt,
			)
		}
		return requeued, nil
	}

	failed, err := s.jobs.Fail(ctx, job.ID, model.JobError{
		Message: AbandonedScanMessage,
		Trace:   fmt.Sprintf("job stayed ongoing without a worker after %d attempts", job.Attempts),
	})
	if errors.Is(err, jobdomain.ErrInvalidTransition) || errors.Is(err, data.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "failed abandoned job", "job_id", job.ID, "attempts", job.Attempts)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: "failed",
		Result:     metrics.ResultError,
		Attempt:    job.Attempts,
		Err:        errors.New(AbandonedScanMessage),
	})
	if err := s.events.Publish(ctx, model.NewJobEvent(model.JobEventFailed, failed, time.Now())); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "publish job event", "job_id", job.ID, "error", err)
	}
	return true, nil
}

// deleteExpiredJobs removes terminal jobs past retention in batches until none remain.
func (s *ReaperService) deleteExpiredJobs(ctx context.Context) (int64, error) {
	if s.config.Retention <= 0 {
		return 0, nil
	}

	var totalCount int64
	for {
		jobs, err := s.repo.DeleteTerminalBefore(ctx, core.DeleteTerminalJobsParams{
			MaxAge:    s.config.Retention,
			BatchSize: s.config.BatchSize,
		})
		if err != nil {
			return totalCount, err
		}
		for _, job := range jobs {
			s.releaseFiles(ctx, job)
		}
		totalCount += int64(len(jobs))
		if len(jobs) < s.config.BatchSize {
			break
		}
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted expired jobs",
			"count", totalCount,
			"retention", s.config.Retention,
		)
	}

	return totalCount, nil
}

func (s *ReaperService) releaseFiles(ctx context.Context, job *model.Job) {
	if s.files == nil {
		return
	}
	if err := s.files.RemovePaths(job.ArtifactPath, job.WorkDir); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "release job files", "job_id", job.ID, "error", err)
	}
}

type cleanupMetrics struct {
	ExpiredCount   int64
	ExpiredErr     error
	StaleCount     int64
	StaleErr       error
	RetentionCount int64
	RetentionErr   error
	Elapsed        time.Duration
}

func (s *ReaperService) emitCleanupMetrics(m cleanupMetrics) {
	if s.metrics == nil {
		return
	}

	totalCount := m.ExpiredCount + m.StaleCount + m.RetentionCount
	firstErr := firstError(m.ExpiredErr, m.StaleErr, m.RetentionErr)

	result := metrics.ResultSuccess
	if firstErr != nil {
		result = metrics.ResultError
	} else if totalCount == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if firstErr != nil {
		if class := obserrors.Classify(firstErr); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)

	if m.Elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", m.Elapsed, metrics.CloneTags(tags))
	}

	s.emitCleanupOperationMetric("requeue_expired", m.ExpiredCount, m.ExpiredErr)
	s.emitCleanupOperationMetric("recover_stale", m.StaleCount, m.StaleErr)
	s.emitCleanupOperationMetric("delete_expired", m.RetentionCount, m.RetentionErr)

	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) emitCleanupOperationMetric(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)

	if err == nil && count > 0 {
		s.metrics.Count("reaper.jobs_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
