package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/target/dwas-scanner/internal/core"
	"github.com/target/dwas-scanner/internal/data"
	"github.com/target/dwas-scanner/internal/domain/model"
	apperrors "github.com/target/dwas-scanner/internal/errors"
	"github.com/target/dwas-scanner/internal/intake"
)

// ArtifactStore accepts uploads and releases the files that belong to a job.
type ArtifactStore interface {
	Accept(ctx context.Context, jobID, filename string, r io.Reader) (*intake.Artifact, error)
	RemovePaths(artifactPath, workDir string) error
}

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo      core.JobRepository  // Required: job repository
	Artifacts ArtifactStore       // Required: upload storage
	Events    core.EventPublisher // Optional: lifecycle event publisher
	Logger    *slog.Logger        // Optional: structured logger

	// ReadRetry bounds how long reads retry while the store is unavailable.
	// Zero uses the default; negative disables retries.
	ReadRetry time.Duration
	// NewID overrides job id generation in tests.
	NewID func() string
	Now   func() time.Time
}

const defaultReadRetry = 5 * time.Second

// JobService is the intake and status surface for scan jobs.
type JobService struct {
	repo      core.JobRepository
	artifacts ArtifactStore
	events    core.EventPublisher
	logger    *slog.Logger
	readRetry time.Duration
	newID     func() string
	now       func() time.Time
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("ArtifactStore is required")
	}

	events := opts.Events
	if events == nil {
		events = core.NopPublisher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readRetry := opts.ReadRetry
	if readRetry == 0 {
		readRetry = defaultReadRetry
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &JobService{
		repo:      opts.Repo,
		artifacts: opts.Artifacts,
		events:    events,
		logger:    logger.With("component", "job_service"),
		readRetry: readRetry,
		newID:     newID,
		now:       now,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// CreateScanRequest is an uploaded archive waiting to become a job.
type CreateScanRequest struct {
	Filename string
	Body     io.Reader
}

// Create accepts the upload and persists a pending job whose scan task is queued in the
// same transaction. The call returns as soon as the job is stored; scanning happens later.
// If the job cannot be stored the upload is removed again.
func (s *JobService) Create(ctx context.Context, req CreateScanRequest) (*model.Job, error) {
	if req.Body == nil {
		return nil, apperrors.ValidationField("file", "file is required")
	}

	id := s.newID()
	artifact, err := s.artifacts.Accept(ctx, id, req.Filename, req.Body)
	if err != nil {
		return nil, mapIntakeError(err)
	}

	job, err := s.repo.Create(ctx, &model.CreateJobRequest{
		ID:           id,
		Filename:     artifact.Filename,
		ArtifactPath: artifact.Path,
		WorkDir:      artifact.WorkDir,
	})
	if err != nil {
		if rmErr := s.artifacts.RemovePaths(artifact.Path, artifact.WorkDir); rmErr != nil {
			s.logger.WarnContext(ctx, "remove artifact after failed create", "job_id", id, "error", rmErr)
		}
		return nil, classifyStoreError(err, "could not create job")
	}

	s.logger.InfoContext(ctx, "job created", "job_id", job.ID, "filename", job.Filename)
	s.publish(ctx, model.JobEventCreated, job)
	return job, nil
}

func mapIntakeError(err error) error {
	switch {
	case errors.Is(err, intake.ErrInvalidFilename):
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, err.Error())
	case errors.Is(err, intake.ErrTooLarge):
		return apperrors.Wrap(err, apperrors.ErrCodeTooLarge, err.Error())
	case errors.Is(err, intake.ErrCorruptArchive),
		errors.Is(err, intake.ErrEncrypted),
		errors.Is(err, intake.ErrZipBomb),
		errors.Is(err, intake.ErrUnsafePath):
		return apperrors.Wrap(err, apperrors.ErrCodeUnprocessable, err.Error())
	case errors.Is(err, context.Canceled):
		return apperrors.Wrap(err, apperrors.ErrCodeCanceled, "upload canceled")
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "could not store upload")
	}
}

// classifyStoreError maps repository errors to application errors. Unclassified failures
// become internal errors carrying msg.
func classifyStoreError(err error, msg string) error {
	classified := data.Classify(err)
	if apperrors.GetCode(classified) != "" {
		return classified
	}
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, msg)
}

// retryRead retries op with exponential backoff while the store reports itself unavailable.
// Reads are idempotent; writes never go through here.
func (s *JobService) retryRead(ctx context.Context, label string, op func() error) error {
	var last error
	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}
		last = classifyStoreError(err, label)
		if apperrors.IsUnavailable(last) {
			return last
		}
		return backoff.Permanent(last)
	}
	if s.readRetry < 0 {
		if err := op(); err != nil {
			return classifyStoreError(err, label)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = s.readRetry
	notify := func(err error, wait time.Duration) {
		s.logger.WarnContext(ctx, "job store unavailable; retrying read", "op", label, "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		if last != nil {
			return last
		}
		return err
	}
	return nil
}

// Get returns one job.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := s.retryRead(ctx, "could not load job", func() error {
		var err error
		job, err = s.repo.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns jobs newest first.
func (s *JobService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, apperrors.Validation("limit and offset must not be negative")
	}
	var jobs []*model.Job
	err := s.retryRead(ctx, "could not list jobs", func() error {
		var err error
		jobs, err = s.repo.List(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Update applies a partial update to a job's descriptive fields.
func (s *JobService) Update(ctx context.Context, id string, upd model.JobUpdate) (*model.Job, error) {
	if upd.Empty() {
		return nil, apperrors.Validation("no fields to update")
	}
	if upd.Filename != nil {
		name, err := intake.SanitizeFilename(*upd.Filename)
		if err != nil {
			return nil, apperrors.ValidationField("filename", err.Error())
		}
		upd.Filename = &name
	}
	job, err := s.repo.Update(ctx, id, upd)
	if err != nil {
		return nil, classifyStoreError(err, "could not update job")
	}
	return job, nil
}

// Delete removes a job and releases its files.
func (s *JobService) Delete(ctx context.Context, id string) error {
	job, err := s.repo.Delete(ctx, id)
	if err != nil {
		return classifyStoreError(err, "could not delete job")
	}
	s.release(ctx, job)
	s.logger.InfoContext(ctx, "job deleted", "job_id", id)
	s.publish(ctx, model.JobEventDeleted, job)
	return nil
}

// DeleteAll removes every job and returns how many were deleted.
func (s *JobService) DeleteAll(ctx context.Context) (int, error) {
	jobs, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return 0, classifyStoreError(err, "could not delete jobs")
	}
	for _, job := range jobs {
		s.release(ctx, job)
		s.publish(ctx, model.JobEventDeleted, job)
	}
	s.logger.InfoContext(ctx, "all jobs deleted", "count", len(jobs))
	return len(jobs), nil
}

// Stats returns job counts by status.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	var stats *model.JobStats
	err := s.retryRead(ctx, "could not load job stats", func() error {
		var err error
		stats, err = s.repo.Stats(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *JobService) release(ctx context.Context, job *model.Job) {
	if job == nil {
		return
	}
	if err := s.artifacts.RemovePaths(job.ArtifactPath, job.WorkDir); err != nil {
		s.logger.WarnContext(ctx, "release job files", "job_id", job.ID, "error", err)
	}
}

func (s *JobService) publish(ctx context.Context, t model.JobEventType, job *model.Job) {
	if err := s.events.Publish(ctx, model.NewJobEvent(t, job, s.now())); err != nil {
		s.logger.WarnContext(ctx, "publish job event", "type", t, "job_id", job.ID, "error", err)
	}
}
