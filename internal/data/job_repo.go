package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	jobdomain "github.com/target/dwas-scanner/internal/domain/job"
	"github.com/target/dwas-scanner/internal/domain/model"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrTaskNotFound is returned when a scan task no longer exists.
	ErrTaskNotFound = errors.New("scan task not found")
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides Postgres storage for jobs and their dispatch queue.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
	}
}

// Channel notified whenever a scan task becomes available.
const taskNotifyChannel = "scan_task_added"

const jobColumns = `
  id::text,
  filename,
  status,
  summary,
  result,
  last_error,
  error_trace,
  attempts,
  artifact_path,
  work_dir,
  created_at,
  updated_at,
  completed_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	summary, lastError, errorTrace sql.NullString
	result                         []byte
	completedAt                    sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Filename,
		&job.Status,
		&d.summary,
		&d.result,
		&d.lastError,
		&d.errorTrace,
		&job.Attempts,
		&job.ArtifactPath,
		&job.WorkDir,
		&job.CreatedAt,
		&job.UpdatedAt,
		&d.completedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Summary = cloneNullableString(d.summary)
	if len(d.result) > 0 {
		job.Result = append(json.RawMessage(nil), d.result...)
	}
	if d.lastError.Valid {
		job.Error = &model.JobError{Message: d.lastError.String, Trace: d.errorTrace.String}
	}
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	data.apply(job)
	return job, nil
}

// collectJobs drains pgx rows into jobs.
func collectJobs(rows pgx.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// validJobID reports whether id can address a row. Malformed ids are treated as missing
// rather than surfacing a Postgres cast error.
func validJobID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// transitionError explains why a guarded UPDATE touched no rows.
func (r *JobRepo) transitionError(ctx context.Context, id string, target model.JobStatus) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := jobdomain.CheckTransition(current.Status, target); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s (concurrent update)", jobdomain.ErrInvalidTransition, current.Status, target)
}

func statusStrings(statuses []model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
