package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/dedup"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/state"
	"github.com/drover-io/drover/pkg/timeout"
	"github.com/drover-io/drover/pkg/types"
)

var (
	// ErrDuplicateJob is returned when an equivalent submission was seen
	// within the dedup window.
	ErrDuplicateJob = errors.New("duplicate job submission")

	// ErrJobNotFound is returned for operations on unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotRunning is returned when a running-only operation targets a
	// job in another state.
	ErrNotRunning = errors.New("job is not running")
)

// TimeoutErrorMessage is attached to jobs whose deadline elapsed.
const TimeoutErrorMessage = "Job execution timed out"

// StateChangeFunc observes every successful job transition. It runs
// synchronously while the queue lock is held, so observers see transitions
// in linearizable order; panics are recovered so a broken observer cannot
// corrupt queue invariants.
type StateChangeFunc func(job *types.Job, from, to types.JobStatus)

// Config tunes queue behavior.
type Config struct {
	DedupWindow    time.Duration // sliding dedup window (default 5m)
	DefaultTimeout time.Duration // job deadline when the job has no override
}

// Queue is the priority-ordered pending job queue plus the bookkeeping for
// every job it has admitted: running sets per robot, deadlines, dedup
// fingerprints. All state is guarded by one mutex; callbacks fire under it.
type Queue struct {
	mu       sync.Mutex
	pending  itemHeap
	jobs     map[string]*types.Job
	active   map[string]map[string]struct{} // robot id -> running job ids
	dedup    *dedup.Deduplicator
	timeouts *timeout.Tracker

	defaultTimeout time.Duration
	onStateChange  StateChangeFunc
	seq            uint64
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Hour
	}
	return &Queue{
		jobs:           make(map[string]*types.Job),
		active:         make(map[string]map[string]struct{}),
		dedup:          dedup.New(cfg.DedupWindow),
		timeouts:       timeout.NewTracker(),
		defaultTimeout: cfg.DefaultTimeout,
	}
}

// SetOnStateChange installs the transition observer. Must be called before
// the queue is shared between goroutines.
func (q *Queue) SetOnStateChange(fn StateChangeFunc) {
	q.onStateChange = fn
}

// Enqueue admits a pending job: transitions it to queued, inserts it in
// priority order and records its dedup fingerprint. When checkDuplicate is
// set and an equivalent submission is inside the window, the job is
// rejected with ErrDuplicateJob and not mutated.
func (q *Queue) Enqueue(job *types.Job, checkDuplicate bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already tracked", job.ID)
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	fingerprint := dedup.Fingerprint(job.WorkflowID, job.RobotID, job.Params)
	if checkDuplicate && q.dedup.IsDuplicate(fingerprint, now) {
		return fmt.Errorf("%w: fingerprint %s", ErrDuplicateJob, fingerprint)
	}

	old := job.Status
	if err := state.Apply(job, types.JobStatusQueued, now); err != nil {
		return err
	}

	q.dedup.Record(fingerprint, now)
	q.jobs[job.ID] = job
	q.seq++
	q.pending.push(&item{
		jobID:     job.ID,
		priority:  job.Priority,
		createdAt: job.CreatedAt,
		seq:       q.seq,
	})

	q.notify(job, old, job.Status)
	return nil
}

// Dequeue hands the highest-priority queued job to robot, skipping jobs
// targeted at other robots (their order is preserved). Returns nil when
// the robot is unavailable or no eligible job is queued. On success the
// job transitions to running, is bound to the robot and starts its
// deadline clock.
func (q *Queue) Dequeue(robot *types.Robot) *types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if robot == nil || !robot.IsAvailable() {
		return nil
	}

	var skipped []*item
	var picked *types.Job

	for q.pending.Len() > 0 {
		it := q.pending.pop()
		job, ok := q.jobs[it.jobID]
		if !ok || job.Status != types.JobStatusQueued {
			continue // cancelled while queued; drop the stale entry
		}
		if job.RobotID != "" && job.RobotID != robot.ID {
			skipped = append(skipped, it)
			continue
		}
		picked = job
		break
	}

	// Reinsert skipped items with their original sequence so FIFO order
	// within a priority class survives.
	for _, it := range skipped {
		q.pending.push(it)
	}

	if picked == nil {
		return nil
	}

	now := time.Now()
	old := picked.Status
	if err := state.Apply(picked, types.JobStatusRunning, now); err != nil {
		log.WithComponent("queue").Error().Err(err).Str("job_id", picked.ID).Msg("dequeue transition failed")
		return nil
	}

	picked.RobotID = robot.ID
	picked.RobotName = robot.Name

	if q.active[robot.ID] == nil {
		q.active[robot.ID] = make(map[string]struct{})
	}
	q.active[robot.ID][picked.ID] = struct{}{}

	q.timeouts.Track(picked.ID, now.Add(q.deadlineFor(picked)))
	q.notify(picked, old, picked.Status)
	return picked
}

// PendingJobs returns every queued job in dispatch order. Dispatchers
// that need an accept round trip walk this snapshot, then bind each job
// with Assign once a robot takes it; a job pinned to an absent robot
// never hides the jobs ordered behind it.
func (q *Queue) PendingJobs() []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Pop a copy of the heap so the live entries keep their positions.
	tmp := make(itemHeap, 0, q.pending.Len())
	for _, it := range q.pending {
		c := *it
		tmp = append(tmp, &c)
	}

	var out []*types.Job
	for tmp.Len() > 0 {
		it := tmp.pop()
		job, ok := q.jobs[it.jobID]
		if !ok || job.Status != types.JobStatusQueued {
			continue // cancelled or already bound; stale entry
		}
		out = append(out, job)
	}
	return out
}

// Assign binds a queued job to the robot that accepted it: the job
// transitions to running and its deadline clock starts. Its heap entry
// is dropped lazily by the next dequeue.
func (q *Queue) Assign(jobID string, robot *types.Robot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != types.JobStatusQueued {
		return fmt.Errorf("job %s is %s, not queued", jobID, job.Status)
	}
	if job.RobotID != "" && job.RobotID != robot.ID {
		return fmt.Errorf("job %s is targeted at robot %s", jobID, job.RobotID)
	}

	now := time.Now()
	old := job.Status
	if err := state.Apply(job, types.JobStatusRunning, now); err != nil {
		return err
	}

	job.RobotID = robot.ID
	job.RobotName = robot.Name

	if q.active[robot.ID] == nil {
		q.active[robot.ID] = make(map[string]struct{})
	}
	q.active[robot.ID][job.ID] = struct{}{}

	q.timeouts.Track(job.ID, now.Add(q.deadlineFor(job)))
	q.notify(job, old, job.Status)
	return nil
}

// Complete finishes a running job with its result.
func (q *Queue) Complete(jobID string, result json.RawMessage) error {
	return q.finish(jobID, types.JobStatusCompleted, "", result)
}

// Fail finishes a running job with an error message.
func (q *Queue) Fail(jobID, errMsg string) error {
	return q.finish(jobID, types.JobStatusFailed, errMsg, nil)
}

// Timeout marks a running job as timed out.
func (q *Queue) Timeout(jobID string) error {
	return q.finish(jobID, types.JobStatusTimeout, TimeoutErrorMessage, nil)
}

// Cancel abandons a job from any non-terminal state. Queued entries are
// dropped lazily on the next dequeue pass.
func (q *Queue) Cancel(jobID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	old := job.Status
	if err := state.Apply(job, types.JobStatusCancelled, time.Now()); err != nil {
		return err
	}
	if reason != "" {
		job.ErrorMessage = reason
	}

	q.release(job)
	q.notify(job, old, job.Status)
	return nil
}

// UpdateProgress records progress for a running job, clamped to [0,100].
func (q *Queue) UpdateProgress(jobID string, progress float64, currentNode string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != types.JobStatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, job.Status)
	}

	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	if currentNode != "" {
		job.CurrentNode = currentNode
	}
	return nil
}

// AppendLog attaches a log line to a tracked job.
func (q *Queue) AppendLog(jobID, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	job.Logs = append(job.Logs, line)
	return nil
}

// CheckTimeouts marks every running job whose deadline is at or before now
// as timed out and returns their ids.
func (q *Queue) CheckTimeouts(now time.Time) []string {
	q.mu.Lock()
	expired := q.timeouts.Expired(now)
	q.mu.Unlock()

	var timedOut []string
	for _, id := range expired {
		if err := q.Timeout(id); err != nil {
			// Completed between sweep and transition; nothing to do.
			continue
		}
		timedOut = append(timedOut, id)
	}
	return timedOut
}

// Job returns the tracked job by id.
func (q *Queue) Job(jobID string) (*types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	return job, ok
}

// Jobs returns a snapshot of every tracked job.
func (q *Queue) Jobs() []*types.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*types.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// PendingCount returns the number of queued entries, including stale ones
// not yet dropped.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// ActiveJobs returns the ids of jobs currently running on the robot.
func (q *Queue) ActiveJobs(robotID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.active[robotID]))
	for id := range q.active[robotID] {
		ids = append(ids, id)
	}
	return ids
}

// Forget drops a terminal job from the queue's tracking. The persistence
// collaborator owns it from then on.
func (q *Queue) Forget(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.jobs[jobID]; ok && job.Status.Terminal() {
		delete(q.jobs, jobID)
	}
}

func (q *Queue) finish(jobID string, to types.JobStatus, errMsg string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != types.JobStatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, job.Status)
	}

	old := job.Status
	if err := state.Apply(job, to, time.Now()); err != nil {
		return err
	}
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}
	if result != nil {
		job.Result = result
	}

	q.release(job)
	q.notify(job, old, job.Status)
	return nil
}

// release drops the job from its robot's active set and stops its
// deadline clock. Caller holds q.mu.
func (q *Queue) release(job *types.Job) {
	q.timeouts.Stop(job.ID)
	if job.RobotID == "" {
		return
	}
	if set, ok := q.active[job.RobotID]; ok {
		delete(set, job.ID)
		if len(set) == 0 {
			delete(q.active, job.RobotID)
		}
	}
}

// notify runs the state-change callback under the queue lock. Caller holds
// q.mu.
func (q *Queue) notify(job *types.Job, from, to types.JobStatus) {
	if q.onStateChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("queue").Error().
				Interface("panic", r).
				Str("job_id", job.ID).
				Msg("state change callback panicked")
		}
	}()
	q.onStateChange(job, from, to)
}

func (q *Queue) deadlineFor(job *types.Job) time.Duration {
	if job.TimeoutMS > 0 {
		return time.Duration(job.TimeoutMS) * time.Millisecond
	}
	return q.defaultTimeout
}
