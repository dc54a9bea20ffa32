package job

import (
	"errors"
	"fmt"

	"github.com/target/dwas-scanner/internal/domain/model"
)

// ErrInvalidTransition is returned when a status change is not allowed by the job lifecycle.
var ErrInvalidTransition = errors.New("invalid job status transition")

// allowed lists the legal next states. ongoing -> ongoing is a restart after a lost worker.
var allowed = map[model.JobStatus][]model.JobStatus{
	model.JobStatusPending: {model.JobStatusOngoing, model.JobStatusFailed},
	model.JobStatusOngoing: {model.JobStatusOngoing, model.JobStatusCompleted, model.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to model.JobStatus) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns the statuses a job may be in before moving to target.
// Repositories use it to build guarded UPDATE statements.
func SourcesFor(target model.JobStatus) []model.JobStatus {
	var out []model.JobStatus
	for _, from := range []model.JobStatus{model.JobStatusPending, model.JobStatusOngoing} {
		if CanTransition(from, target) {
			out = append(out, from)
		}
	}
	return out
}

// CheckTransition returns ErrInvalidTransition wrapped with the offending states.
func CheckTransition(from, to model.JobStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
