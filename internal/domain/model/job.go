// Package model defines the core data types shared by the scan pipeline.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// JobStatus represents the current status of a scan job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusPending indicates the job was accepted and is waiting for a worker.
	JobStatusPending JobStatus = "pending"
	// JobStatusOngoing indicates a worker is running the analyzers.
	JobStatusOngoing JobStatus = "ongoing"
	// JobStatusCompleted indicates the job finished and carries an aggregated result.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates an orchestration error ended the job.
	JobStatusFailed JobStatus = "failed"
)

// ErrNoTasksAvailable is returned when the dispatch queue has nothing to reserve.
var ErrNoTasksAvailable = errors.New("no scan tasks available")

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusOngoing || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// UnmarshalText implements encoding.TextUnmarshaler so statuses can be parsed from query params.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", v)
	}
	*s = v
	return nil
}

// JobError is the diagnostic payload persisted on a failed job.
type JobError struct {
	Message string `json:"error"`
	Trace   string `json:"trace"`
}

// Job represents one uploaded artifact tracked from intake to its terminal scan outcome.
type Job struct {
	ID          string          `json:"job_id"                 db:"id"`
	Filename    string          `json:"filename"               db:"filename"`
	Status      JobStatus       `json:"status"                 db:"status"`
	Summary     *string         `json:"summary,omitempty"      db:"summary"`
	Result      json.RawMessage `json:"result,omitempty"       db:"result"`
	Error       *JobError       `json:"error,omitempty"        db:"-"`
	Attempts    int             `json:"attempts"               db:"attempts"`
	CreatedAt   time.Time       `json:"created_at"             db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"             db:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`

	ArtifactPath string `json:"-" db:"artifact_path"`
	WorkDir      string `json:"-" db:"work_dir"`
}

// CreateJobRequest represents a request to persist a job whose artifact has already been accepted.
type CreateJobRequest struct {
	ID           string
	Filename     string
	ArtifactPath string
	WorkDir      string
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(r.Filename) == "" {
		return errors.New("filename is required")
	}
	if filepath.Base(r.Filename) != r.Filename {
		return errors.New("filename must not contain path separators")
	}
	if r.WorkDir == "" {
		return errors.New("work dir is required")
	}
	return nil
}

// JobUpdate carries the partial fields a client or operator may change on a job.
// Nil fields are left untouched.
type JobUpdate struct {
	Filename *string `json:"filename,omitempty"`
	Summary  *string `json:"summary,omitempty"`
}

// Empty reports whether the update carries no changes.
func (u JobUpdate) Empty() bool {
	return u.Filename == nil && u.Summary == nil
}

// CompleteJobRequest carries the aggregated result written on the completed transition.
type CompleteJobRequest struct {
	Result  json.RawMessage
	Summary string
}

// JobListOptions filters and pages job listings. A zero Limit returns every job.
type JobListOptions struct {
	Status *JobStatus
	Limit  int
	Offset int
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Pending   int `json:"pending"`
	Ongoing   int `json:"ongoing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total returns the number of jobs across all states.
func (s JobStats) Total() int {
	return s.Pending + s.Ongoing + s.Completed + s.Failed
}

// ScanTask is a dispatch queue entry handing one job to the worker pool.
type ScanTask struct {
	ID             string     `json:"id"                         db:"id"`
	JobID          string     `json:"job_id"                     db:"job_id"`
	Attempts       int        `json:"attempts"                   db:"attempts"`
	AvailableAt    time.Time  `json:"available_at"               db:"available_at"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time  `json:"created_at"                 db:"created_at"`
}
