package model

import "time"

// JobEventType identifies a lifecycle transition published to downstream consumers.
type JobEventType string

const (
	JobEventCreated   JobEventType = "job.created"
	JobEventStarted   JobEventType = "job.started"
	JobEventCompleted JobEventType = "job.completed"
	JobEventFailed    JobEventType = "job.failed"
	JobEventDeleted   JobEventType = "job.deleted"
)

// JobEvent is the message body published for every job lifecycle transition.
type JobEvent struct {
	Type       JobEventType `json:"type"`
	JobID      string       `json:"job_id"`
	Filename   string       `json:"filename"`
	Status     JobStatus    `json:"status"`
	Summary    *string      `json:"summary,omitempty"`
	Attempts   int          `json:"attempts"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// NewJobEvent builds an event snapshot of job.
func NewJobEvent(t JobEventType, job *Job, at time.Time) JobEvent {
	evt := JobEvent{Type: t, OccurredAt: at.UTC()}
	if job == nil {
		return evt
	}
	evt.JobID = job.ID
	evt.Filename = job.Filename
	evt.Status = job.Status
	evt.Summary = job.Summary
	evt.Attempts = job.Attempts
	return evt
}
