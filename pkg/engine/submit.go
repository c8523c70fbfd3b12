package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/pkg/distributor"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/health"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/recovery"
	"github.com/drover-io/drover/pkg/security"
	"github.com/drover-io/drover/pkg/state"
	"github.com/drover-io/drover/pkg/types"
)

// SubmitRequest describes one job submission. Either WorkflowID or
// WorkflowName must be set; a future ScheduledAt defers the job behind a
// one-shot schedule instead of enqueueing it.
type SubmitRequest struct {
	WorkflowID   string            `json:"workflow_id,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	RobotID      string            `json:"robot_id,omitempty"`
	Priority     types.JobPriority `json:"priority"`
	Params       map[string]string `json:"params,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Environment  string            `json:"environment,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"`
	ScheduledAt  time.Time         `json:"scheduled_at,omitempty"`
	SkipDedup    bool              `json:"skip_dedup,omitempty"`
}

// SubmitJob admits a job. Jobs scheduled for the future are parked as
// pending behind a one-shot schedule and enqueued when it fires.
func (e *Engine) SubmitJob(req SubmitRequest) (*types.Job, error) {
	wf, err := e.resolveWorkflow(req.WorkflowID, req.WorkflowName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	job := &types.Job{
		ID:           uuid.New().String(),
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		WorkflowJSON: wf.Definition,
		RobotID:      req.RobotID,
		Status:       types.JobStatusPending,
		Priority:     req.Priority,
		Params:       req.Params,
		Tags:         req.Tags,
		Environment:  req.Environment,
		TimeoutMS:    req.TimeoutMS,
		ScheduledAt:  req.ScheduledAt,
		CreatedAt:    now,
	}

	e.publishJobEvent(events.EventJobSubmitted, job, "")

	if req.ScheduledAt.After(now) {
		return job, e.deferJob(job)
	}

	if err := e.queue.Enqueue(job, !req.SkipDedup); err != nil {
		return nil, err
	}
	metrics.JobsSubmitted.Inc()
	if err := e.store.SaveJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to persist submitted job")
	}
	return job, nil
}

// deferJob parks a future job behind a one-shot schedule.
func (e *Engine) deferJob(job *types.Job) error {
	sched := &types.Schedule{
		ID:         uuid.New().String(),
		Name:       "deferred:" + job.WorkflowName,
		WorkflowID: job.WorkflowID,
		RobotID:    job.RobotID,
		Frequency:  types.FrequencyOnce,
		Enabled:    true,
		Priority:   job.Priority,
		RunAt:      job.ScheduledAt,
		CreatedAt:  job.CreatedAt,
	}
	if err := e.sched.Add(sched); err != nil {
		return fmt.Errorf("failed to defer job: %w", err)
	}

	e.mu.Lock()
	e.deferred[sched.ID] = job
	e.mu.Unlock()

	if err := e.store.SaveSchedule(sched); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to persist deferral schedule")
	}
	if err := e.store.SaveJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to persist deferred job")
	}
	metrics.JobsSubmitted.Inc()
	return nil
}

func (e *Engine) resolveWorkflow(id, name string) (*types.Workflow, error) {
	if id != "" {
		wf, err := e.store.GetWorkflow(id)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", id, err)
		}
		return wf, nil
	}
	if name != "" {
		wf, err := e.store.GetWorkflowByName(name)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
		return wf, nil
	}
	return nil, fmt.Errorf("workflow id or name required")
}

// CancelJob abandons a job. A running job's robot is told to stop; the
// local transition does not wait for its answer.
func (e *Engine) CancelJob(jobID, reason string) error {
	if e.cancelDeferred(jobID, reason) {
		return nil
	}

	job, ok := e.queue.Job(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}

	if job.Status == types.JobStatusRunning && job.RobotID != "" {
		if err := e.srv.CancelJob(job.RobotID, jobID, reason); err != nil {
			log.WithJobID(jobID).Warn().Err(err).Msg("failed to notify robot of cancellation")
		}
	}
	return e.queue.Cancel(jobID, reason)
}

// cancelDeferred cancels a job still parked behind its one-shot
// schedule.
func (e *Engine) cancelDeferred(jobID, reason string) bool {
	e.mu.Lock()
	var schedID string
	var job *types.Job
	for id, j := range e.deferred {
		if j.ID == jobID {
			schedID, job = id, j
			break
		}
	}
	if job != nil {
		delete(e.deferred, schedID)
	}
	e.mu.Unlock()

	if job == nil {
		return false
	}

	e.sched.Remove(schedID)
	if err := e.store.DeleteSchedule(schedID); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("failed to delete deferral schedule")
	}
	if err := state.Apply(job, types.JobStatusCancelled, time.Now()); err == nil {
		job.ErrorMessage = reason
		if err := e.store.SaveJob(job); err != nil {
			log.WithJobID(jobID).Error().Err(err).Msg("failed to persist cancelled job")
		}
	}
	e.publishJobEvent(events.EventJobCancelled, job, reason)
	return true
}

// Job returns a job from live tracking, falling back to the store.
func (e *Engine) Job(jobID string) (*types.Job, error) {
	if job, ok := e.queue.Job(jobID); ok {
		return job, nil
	}
	return e.store.GetJob(jobID)
}

// Jobs returns every persisted job.
func (e *Engine) Jobs() ([]*types.Job, error) {
	return e.store.ListJobs()
}

// JobHistory returns terminal jobs completed within the last days.
func (e *Engine) JobHistory(days int) ([]*types.Job, error) {
	return e.store.GetJobHistory(days)
}

// Robots returns a snapshot of the fleet view.
func (e *Engine) Robots() []*types.Robot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*types.Robot, 0, len(e.robots))
	for _, r := range e.robots {
		clone := *r
		out = append(out, &clone)
	}
	return out
}

// HealthReports returns per-robot health.
func (e *Engine) HealthReports() []health.Report {
	return e.monitor.Reports()
}

// DispatchStats returns the distributor counters.
func (e *Engine) DispatchStats() distributor.Stats {
	return e.dist.Stats()
}

// RecoveryActions returns the recovery history, oldest first.
func (e *Engine) RecoveryActions() []recovery.Action {
	return e.rec.Actions()
}

// Dashboard aggregates persisted fleet state.
func (e *Engine) Dashboard() (*types.DashboardMetrics, error) {
	return e.store.GetDashboardMetrics()
}

// Subscribe returns an event channel filtered by type prefix; empty
// prefix receives everything.
func (e *Engine) Subscribe(prefix string) events.Subscriber {
	return e.broker.SubscribeFiltered(prefix)
}

// Unsubscribe releases an event channel.
func (e *Engine) Unsubscribe(sub events.Subscriber) {
	e.broker.Unsubscribe(sub)
}

// IssueRobotToken mints an auth token for a robot.
func (e *Engine) IssueRobotToken(robotID string, scopes []string) (*security.Token, error) {
	return e.sec.IssueRobotToken(robotID, scopes)
}

// RevokeRobotTokens revokes every token issued to a robot.
func (e *Engine) RevokeRobotTokens(robotID string) int {
	return e.sec.Tokens.RevokeRobotTokens(robotID)
}

// SetDistributionRules replaces the routing rule table.
func (e *Engine) SetDistributionRules(rules []types.DistributionRule) {
	e.router.SetRules(rules)
}

// AddDistributionRule appends a routing rule at the lowest precedence.
func (e *Engine) AddDistributionRule(rule types.DistributionRule) {
	e.router.AddRule(rule)
}

// CreateWorkflow registers a named workflow definition.
func (e *Engine) CreateWorkflow(name string, definition json.RawMessage) (*types.Workflow, error) {
	if name == "" {
		return nil, fmt.Errorf("workflow name required")
	}
	now := time.Now()
	wf := &types.Workflow{
		ID:         uuid.New().String(),
		Name:       name,
		Definition: definition,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.SaveWorkflow(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// UpdateWorkflow replaces a workflow's definition.
func (e *Engine) UpdateWorkflow(id string, definition json.RawMessage) (*types.Workflow, error) {
	wf, err := e.store.GetWorkflow(id)
	if err != nil {
		return nil, err
	}
	wf.Definition = definition
	wf.UpdatedAt = time.Now()
	if err := e.store.SaveWorkflow(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// Workflows returns every registered workflow.
func (e *Engine) Workflows() ([]*types.Workflow, error) {
	return e.store.ListWorkflows()
}

// DeleteWorkflow removes a workflow definition.
func (e *Engine) DeleteWorkflow(id string) error {
	return e.store.DeleteWorkflow(id)
}

// CreateSchedule registers a schedule after validating its workflow and
// trigger.
func (e *Engine) CreateSchedule(sched *types.Schedule) error {
	if _, err := e.store.GetWorkflow(sched.WorkflowID); err != nil {
		return fmt.Errorf("schedule workflow %s: %w", sched.WorkflowID, err)
	}
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now()
	}
	if err := e.sched.Add(sched); err != nil {
		return err
	}
	return e.store.SaveSchedule(sched)
}

// Schedules returns the live schedule set.
func (e *Engine) Schedules() []*types.Schedule {
	return e.sched.Schedules()
}

// ToggleSchedule enables or disables a schedule.
func (e *Engine) ToggleSchedule(id string, enabled bool) error {
	if err := e.sched.SetEnabled(id, enabled); err != nil {
		return err
	}
	sched, ok := e.sched.Schedule(id)
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return e.store.SaveSchedule(sched)
}

// DeleteSchedule removes a schedule from the scheduler and the store.
func (e *Engine) DeleteSchedule(id string) error {
	e.sched.Remove(id)
	return e.store.DeleteSchedule(id)
}

// fireSchedule is the scheduler's callback: enqueue the deferred job if
// the schedule is a submission deferral, otherwise instantiate a fresh
// job from the schedule's workflow.
func (e *Engine) fireSchedule(sched *types.Schedule) error {
	metrics.ScheduleFires.Inc()

	e.mu.Lock()
	job := e.deferred[sched.ID]
	delete(e.deferred, sched.ID)
	e.mu.Unlock()

	if job == nil {
		wf, err := e.store.GetWorkflow(sched.WorkflowID)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		job = &types.Job{
			ID:           uuid.New().String(),
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			WorkflowJSON: wf.Definition,
			RobotID:      sched.RobotID,
			Status:       types.JobStatusPending,
			Priority:     sched.Priority,
			CreatedAt:    time.Now(),
		}
	}

	// Scheduled instances recur with identical parameters; the dedup
	// window must not swallow them.
	if err := e.queue.Enqueue(job, false); err != nil {
		return err
	}
	metrics.JobsSubmitted.Inc()
	if err := e.store.SaveJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to persist scheduled job")
	}
	if err := e.store.SaveSchedule(sched); err != nil {
		log.WithScheduleID(sched.ID).Warn().Err(err).Msg("failed to persist schedule counters")
	}

	ev := events.New(events.EventScheduleFired, "schedule "+sched.Name+" fired")
	ev.JobID = job.ID
	ev.Metadata = map[string]string{"schedule_id": sched.ID}
	e.broker.Publish(ev)
	return nil
}
