package core

import (
	"context"
	"time"

	"github.com/target/dwas-scanner/internal/domain/model"
	"github.com/target/dwas-scanner/internal/domain/scan"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Service implementations depend on these interfaces, not on the data layer.

// JobRepository defines job persistence and the state machine transitions.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	Update(ctx context.Context, id string, upd model.JobUpdate) (*model.Job, error)
	// MarkOngoing moves a pending (or restarted ongoing) job to ongoing and counts the attempt.
	MarkOngoing(ctx context.Context, id string) (*model.Job, error)
	Complete(ctx context.Context, id string, req model.CompleteJobRequest) (*model.Job, error)
	Fail(ctx context.Context, id string, jobErr model.JobError) (*model.Job, error)
	// Delete removes the job and returns the removed row so callers can release its files.
	Delete(ctx context.Context, id string) (*model.Job, error)
	DeleteAll(ctx context.Context) ([]*model.Job, error)
	Stats(ctx context.Context) (*model.JobStats, error)
}

// TaskQueue is the dispatch queue feeding the worker pool.
type TaskQueue interface {
	ReserveNext(ctx context.Context, lease time.Duration) (*model.ScanTask, error)
	ExtendLease(ctx context.Context, taskID string, lease time.Duration) (bool, error)
	Ack(ctx context.Context, taskID string) error
	WaitForNotification(ctx context.Context) error
}

// InFlightGuard hands out the per-job token that keeps two workers from running the same job.
type InFlightGuard interface {
	Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID, owner string) (bool, error)
	Held(ctx context.Context, jobID string) (bool, error)
}

// FindStaleJobsParams groups parameters for ReaperRepository.FindStaleOngoing.
type FindStaleJobsParams struct {
	OlderThan time.Duration
	Limit     int
}

// DeleteTerminalJobsParams groups parameters for ReaperRepository.DeleteTerminalBefore.
type DeleteTerminalJobsParams struct {
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository is the maintenance surface used by the reaper.
type ReaperRepository interface {
	RequeueExpired(ctx context.Context) (int64, error)
	// FindStaleOngoing returns ongoing jobs that have not been updated within OlderThan
	// and have no queued task.
	FindStaleOngoing(ctx context.Context, params FindStaleJobsParams) ([]*model.Job, error)
	// Requeue inserts a scan task for an ongoing job. Returns false if a task already exists.
	Requeue(ctx context.Context, jobID string) (bool, error)
	DeleteTerminalBefore(ctx context.Context, params DeleteTerminalJobsParams) ([]*model.Job, error)
}

// Analyzer runs one analysis tool against an extracted working tree.
// Analyze never returns an error; failures are carried in the Outcome.
type Analyzer interface {
	Name() string
	Category() scan.Category
	Analyze(ctx context.Context, dir string) scan.Outcome
}

// EventPublisher publishes job lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, evt model.JobEvent) error
	Close() error
}
