package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/health"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/recovery"
	"github.com/drover-io/drover/pkg/types"
)

// authenticate gates robot handshakes: per-robot rate limit first, then
// token validation when configured.
func (e *Engine) authenticate(hs protocol.HandshakePayload, remoteAddr string) error {
	identity := hs.RobotID
	if identity == "" {
		identity = remoteAddr
	}
	if !e.sec.Limiter.Allow(identity) {
		return fmt.Errorf("rate limit exceeded for %s", identity)
	}

	if e.cfg.Security.RequireToken {
		tok, err := e.sec.Tokens.ValidateToken(hs.Token)
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}
		if tok.RobotID != "" && tok.RobotID != hs.RobotID {
			return fmt.Errorf("token not issued to robot %s", hs.RobotID)
		}
	}
	return nil
}

// onJobAccepted binds an accepted job to its robot. The server invokes
// it on the session's read goroutine before any later message from that
// robot, so the queued→running transition always lands before a
// back-to-back completion report.
func (e *Engine) onJobAccepted(jobID, robotID string) error {
	e.mu.Lock()
	robot := e.robots[robotID]
	e.mu.Unlock()
	if robot == nil {
		return fmt.Errorf("robot %s not registered", robotID)
	}

	if err := e.queue.Assign(jobID, robot); err != nil {
		// The robot accepted a job the queue no longer holds as queued
		// (raced with a cancel); take it back.
		if cancelErr := e.srv.CancelJob(robotID, jobID, "assignment revoked"); cancelErr != nil {
			log.WithJobID(jobID).Warn().Err(cancelErr).Msg("failed to revoke job after assign race")
		}
		return err
	}

	e.mu.Lock()
	robot.CurrentJobs++
	e.mu.Unlock()

	if job, ok := e.queue.Job(jobID); ok {
		if err := e.store.SaveJob(job); err != nil {
			log.WithJobID(jobID).Error().Err(err).Msg("failed to persist assigned job")
		}
	}
	return nil
}

func (e *Engine) onRobotConnected(robot *types.Robot) {
	e.mu.Lock()
	if prior, ok := e.robots[robot.ID]; ok {
		robot.CreatedAt = prior.CreatedAt
	}
	robot.Status = types.RobotStatusOnline
	robot.CurrentJobs = 0
	e.robots[robot.ID] = robot
	e.mu.Unlock()

	e.monitor.Track(robot.ID)
	if err := e.store.SaveRobot(robot); err != nil {
		log.WithRobotID(robot.ID).Error().Err(err).Msg("failed to persist robot")
	}
	e.publishRobotEvent(events.EventRobotConnected, robot.ID, "robot "+robot.Name+" connected")
}

func (e *Engine) onRobotDisconnected(robotID string) {
	e.mu.Lock()
	robot := e.robots[robotID]
	if robot != nil {
		robot.Status = types.RobotStatusOffline
		robot.CurrentJobs = 0
	}
	e.mu.Unlock()

	e.sel.Evict(robotID)
	e.monitor.Forget(robotID)
	if robot != nil {
		if err := e.store.SaveRobot(robot); err != nil {
			log.WithRobotID(robotID).Error().Err(err).Msg("failed to persist robot")
		}
	}
	e.publishRobotEvent(events.EventRobotDisconnected, robotID, "robot disconnected")

	ids := e.queue.ActiveJobs(robotID)
	if len(ids) == 0 {
		return
	}
	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := e.queue.Job(id); ok {
			jobs = append(jobs, job)
		}
	}
	go e.rec.HandleRobotCrash(e.ctx, robotID, jobs, nil, e.reassignJob)
}

// reassignJob fails a crashed robot's job and resubmits a fresh copy,
// unpinned so any robot can take it.
func (e *Engine) reassignJob(_ context.Context, job *types.Job) error {
	if err := e.queue.Fail(job.ID, "robot connection lost"); err != nil {
		return err
	}

	clone := &types.Job{
		ID:           uuid.New().String(),
		WorkflowID:   job.WorkflowID,
		WorkflowName: job.WorkflowName,
		WorkflowJSON: job.WorkflowJSON,
		Status:       types.JobStatusPending,
		Priority:     job.Priority,
		Params:       job.Params,
		Tags:         job.Tags,
		Environment:  job.Environment,
		TimeoutMS:    job.TimeoutMS,
		CreatedAt:    time.Now(),
	}
	if err := e.queue.Enqueue(clone, false); err != nil {
		return err
	}
	if err := e.store.SaveJob(clone); err != nil {
		log.WithJobID(clone.ID).Error().Err(err).Msg("failed to persist reassigned job")
	}
	metrics.RecoveryActions.WithLabelValues(string(recovery.ActionJobReassign)).Inc()
	return nil
}

func (e *Engine) onHeartbeat(hb types.Heartbeat) {
	e.mu.Lock()
	if robot, ok := e.robots[hb.RobotID]; ok {
		robot.LastHeartbeat = hb.Timestamp
		robot.CPUPercent = hb.CPUPercent
		robot.MemoryPercent = hb.MemoryPercent
		robot.DiskPercent = hb.DiskPercent
		robot.CurrentJobs = hb.ActiveJobs
	}
	e.mu.Unlock()

	e.monitor.RecordHeartbeat(hb)
}

func (e *Engine) onJobProgress(jobID string, progress float64, currentNode string) {
	if err := e.queue.UpdateProgress(jobID, progress, currentNode); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("progress update dropped")
	}
}

func (e *Engine) onJobCompleted(jobID string, result json.RawMessage) {
	if err := e.queue.Complete(jobID, result); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("completion dropped")
	}
}

func (e *Engine) onJobFailed(jobID, errorMessage string) {
	if err := e.queue.Fail(jobID, errorMessage); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Msg("failure report dropped")
	}
}

func (e *Engine) onJobCancelled(jobID string) {
	// The local cancel usually beat the robot's acknowledgement; a
	// terminal job here is the normal case.
	if err := e.queue.Cancel(jobID, "cancelled by robot"); err != nil {
		log.WithJobID(jobID).Debug().Err(err).Msg("cancellation already applied")
	}
}

// onJobStateChange observes every queue transition. It runs under the
// queue lock, so it must never call back into the queue.
func (e *Engine) onJobStateChange(job *types.Job, from, to types.JobStatus) {
	if t, ok := jobEventTypes[to]; ok {
		e.publishJobEvent(t, job, job.ErrorMessage)
	}

	if !to.Terminal() {
		return
	}

	if err := e.store.SaveJob(job); err != nil {
		log.WithJobID(job.ID).Error().Err(err).Msg("failed to persist terminal job")
	}
	if from == types.JobStatusRunning {
		e.dist.RecordJobOutcome(to == types.JobStatusCompleted)
	}
	if to == types.JobStatusTimeout {
		metrics.JobTimeouts.Inc()
	}
	if job.DurationMS > 0 {
		metrics.JobDuration.Observe(float64(job.DurationMS) / 1000)
	}

	if job.RobotID != "" {
		e.mu.Lock()
		if robot, ok := e.robots[job.RobotID]; ok && robot.CurrentJobs > 0 {
			robot.CurrentJobs--
		}
		e.mu.Unlock()
	}
}

var jobEventTypes = map[types.JobStatus]events.Type{
	types.JobStatusQueued:    events.EventJobQueued,
	types.JobStatusRunning:   events.EventJobStarted,
	types.JobStatusCompleted: events.EventJobCompleted,
	types.JobStatusFailed:    events.EventJobFailed,
	types.JobStatusTimeout:   events.EventJobTimeout,
	types.JobStatusCancelled: events.EventJobCancelled,
}

func (e *Engine) onHealthChange(robotID string, oldStatus, newStatus health.Status) {
	log.WithRobotID(robotID).Info().
		Str("from", string(oldStatus)).
		Str("to", string(newStatus)).
		Msg("robot health changed")

	if oldStatus == health.StatusUnhealthy && (newStatus == health.StatusHealthy || newStatus == health.StatusDegraded) {
		e.publishRobotEvent(events.EventRobotRecovered, robotID, "robot recovered")
	}
}

func (e *Engine) onRobotUnhealthy(robotID string) {
	e.sel.Evict(robotID)
	e.publishRobotEvent(events.EventRobotUnhealthy, robotID, "robot unhealthy")
}

// onRecoveryFailure fires when the recovery manager gives up on a job.
func (e *Engine) onRecoveryFailure(jobID, message string) {
	if err := e.queue.Fail(jobID, message); err != nil {
		log.WithJobID(jobID).Debug().Err(err).Msg("recovery failure already terminal")
	}
}

func (e *Engine) publishJobEvent(t events.Type, job *types.Job, message string) {
	ev := events.New(t, message)
	ev.JobID = job.ID
	ev.RobotID = job.RobotID
	e.broker.Publish(ev)
}

func (e *Engine) publishRobotEvent(t events.Type, robotID, message string) {
	ev := events.New(t, message)
	ev.RobotID = robotID
	e.broker.Publish(ev)
}
