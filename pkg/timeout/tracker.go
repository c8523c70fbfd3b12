package timeout

import (
	"sync"
	"time"
)

// Tracker records wall-clock deadlines for running jobs. It does not fire
// timers itself; the queue's periodic sweep asks for expired jobs.
type Tracker struct {
	mu        sync.Mutex
	deadlines map[string]time.Time // job id -> deadline
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{deadlines: make(map[string]time.Time)}
}

// Track sets the deadline for a job, replacing any previous one.
func (t *Tracker) Track(jobID string, deadline time.Time) {
	t.mu.Lock()
	t.deadlines[jobID] = deadline
	t.mu.Unlock()
}

// Stop removes the job's deadline. Stopping an untracked job is a no-op.
func (t *Tracker) Stop(jobID string) {
	t.mu.Lock()
	delete(t.deadlines, jobID)
	t.mu.Unlock()
}

// Deadline returns the tracked deadline for a job.
func (t *Tracker) Deadline(jobID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deadlines[jobID]
	return d, ok
}

// Expired returns the ids of all jobs whose deadline is at or before now,
// removing them from the tracker.
func (t *Tracker) Expired(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for id, deadline := range t.deadlines {
		if !deadline.After(now) {
			expired = append(expired, id)
			delete(t.deadlines, id)
		}
	}
	return expired
}

// Size returns the number of tracked jobs.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deadlines)
}
