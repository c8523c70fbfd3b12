package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// ErrInvalidTransition is returned when a job status change is not in the
// transition table. The job is left untouched.
var ErrInvalidTransition = errors.New("invalid job status transition")

// validTransitions is the legal edge set: a DAG plus a cancel edge from
// every non-terminal state.
var validTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobStatusPending: {types.JobStatusQueued, types.JobStatusCancelled},
	types.JobStatusQueued:  {types.JobStatusRunning, types.JobStatusCancelled},
	types.JobStatusRunning: {
		types.JobStatusCompleted,
		types.JobStatusFailed,
		types.JobStatusTimeout,
		types.JobStatusCancelled,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to types.JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply transitions job to next at the given instant, performing the
// status-specific side effects:
//
//   - -> running: StartedAt is set
//   - -> any terminal: CompletedAt is set and DurationMS computed when the
//     job has started
//   - -> completed: Progress forced to 100
//
// Error messages and results are attached by the caller before or after
// Apply; Apply itself only mutates status and timestamps. On an illegal
// edge the job is not mutated and ErrInvalidTransition is returned.
func Apply(job *types.Job, next types.JobStatus, at time.Time) error {
	if !CanTransition(job.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, next)
	}

	job.Status = next

	switch next {
	case types.JobStatusRunning:
		job.StartedAt = at
	case types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusTimeout, types.JobStatusCancelled:
		job.CompletedAt = at
		if !job.StartedAt.IsZero() {
			job.DurationMS = at.Sub(job.StartedAt).Milliseconds()
		}
		if next == types.JobStatusCompleted {
			job.Progress = 100
		}
	}

	return nil
}
