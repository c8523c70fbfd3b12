package recovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/types"
)

// ErrRecoveryInProgress is returned when a recovery for the same robot
// connection or job is already running.
var ErrRecoveryInProgress = errors.New("recovery already in progress")

// maxActions bounds the recorded action history.
const maxActions = 1000

// ActionType labels one recovery attempt.
type ActionType string

const (
	ActionReconnect    ActionType = "reconnect"
	ActionJobRetry     ActionType = "job_retry"
	ActionJobFailover  ActionType = "job_failover"
	ActionRobotRestart ActionType = "robot_restart"
	ActionJobReassign  ActionType = "job_reassign"
)

// Action records one recovery attempt and its outcome.
type Action struct {
	Type      ActionType `json:"type"`
	RobotID   string     `json:"robot_id,omitempty"`
	JobID     string     `json:"job_id,omitempty"`
	Attempt   int        `json:"attempt"`
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Config tunes retry counts and the exponential backoff between attempts.
type Config struct {
	MaxRetries   int           // attempts per recovery (default 3)
	InitialDelay time.Duration // first backoff interval (default 1s)
	Multiplier   float64       // backoff growth factor (default 2)
	MaxDelay     time.Duration // backoff ceiling (default 60s)
	Jitter       bool          // stretch each delay by up to 25%

	// OnEscalation fires when reconnecting a robot is given up on.
	OnEscalation func(robotID string, err error)
	// OnFailure fires when a job cannot be retried or failed over.
	OnFailure func(jobID, message string)

	// RetriableKinds overrides the default set of error kinds worth
	// retrying.
	RetriableKinds []string
}

// Manager drives reconnects, job retries and crash reassignment. One
// recovery runs at a time per robot connection and per job; every attempt
// is recorded in a bounded action history.
type Manager struct {
	cfg       Config
	retriable map[string]bool

	mu       sync.Mutex
	inFlight map[string]bool
	actions  []Action
}

// New creates a recovery manager.
func New(cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}

	kinds := cfg.RetriableKinds
	if len(kinds) == 0 {
		kinds = []string{KindConnection, KindTimeout, KindNetwork, KindTemporary, KindBusy}
	}
	retriable := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		retriable[k] = true
	}

	return &Manager{
		cfg:       cfg,
		retriable: retriable,
		inFlight:  make(map[string]bool),
	}
}

// Retriable reports whether an error's kind is worth retrying.
func (m *Manager) Retriable(err error) bool {
	return m.retriable[Classify(err)]
}

// HandleConnectionError reconnects a robot with backoff. On exhaustion
// the escalation callback fires and the last error is returned.
func (m *Manager) HandleConnectionError(ctx context.Context, robotID string, cause error, reconnect func(context.Context) error) error {
	key := "conn:" + robotID
	if !m.acquire(key) {
		return fmt.Errorf("%w: %s", ErrRecoveryInProgress, key)
	}
	defer m.release(key)

	logger := log.WithRobotID(robotID)
	if !m.Retriable(cause) {
		m.record(Action{Type: ActionReconnect, RobotID: robotID, Error: cause.Error()})
		m.escalate(robotID, cause)
		return cause
	}

	delays := m.newBackoff()
	err := cause
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if waitErr := sleepCtx(ctx, m.nextDelay(delays)); waitErr != nil {
			return waitErr
		}

		err = reconnect(ctx)
		m.record(Action{
			Type:    ActionReconnect,
			RobotID: robotID,
			Attempt: attempt,
			Success: err == nil,
			Error:   errString(err),
		})
		if err == nil {
			logger.Info().Int("attempt", attempt).Msg("robot reconnected")
			return nil
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}

	m.escalate(robotID, err)
	return err
}

// HandleJobError retries a failed job on its robot, then fails over to
// another robot. When both paths are exhausted the failure callback fires.
func (m *Manager) HandleJobError(ctx context.Context, job *types.Job, cause error, retry func(context.Context) error, failover func(context.Context) (string, error)) error {
	key := "job:" + job.ID
	if !m.acquire(key) {
		return fmt.Errorf("%w: %s", ErrRecoveryInProgress, key)
	}
	defer m.release(key)

	logger := log.WithJobID(job.ID)
	err := cause

	if retry != nil && m.Retriable(cause) {
		delays := m.newBackoff()
		for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
			if waitErr := sleepCtx(ctx, m.nextDelay(delays)); waitErr != nil {
				return waitErr
			}

			err = retry(ctx)
			m.record(Action{
				Type:    ActionJobRetry,
				JobID:   job.ID,
				RobotID: job.RobotID,
				Attempt: attempt,
				Success: err == nil,
				Error:   errString(err),
			})
			if err == nil {
				logger.Info().Int("attempt", attempt).Msg("job retry succeeded")
				return nil
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("job retry failed")
		}
	}

	if failover != nil {
		robotID, foErr := failover(ctx)
		m.record(Action{
			Type:    ActionJobFailover,
			JobID:   job.ID,
			RobotID: robotID,
			Attempt: 1,
			Success: foErr == nil,
			Error:   errString(foErr),
		})
		if foErr == nil {
			logger.Info().Str("robot_id", robotID).Msg("job failed over")
			return nil
		}
		err = foErr
		logger.Warn().Err(foErr).Msg("job failover failed")
	}

	if m.cfg.OnFailure != nil {
		m.cfg.OnFailure(job.ID, err.Error())
	}
	return err
}

// HandleRobotCrash optionally restarts the robot, then reassigns each of
// its active jobs. The per-job outcome map holds nil for reassigned jobs.
func (m *Manager) HandleRobotCrash(ctx context.Context, robotID string, activeJobs []*types.Job, restart func(context.Context) error, reassign func(context.Context, *types.Job) error) map[string]error {
	logger := log.WithRobotID(robotID)
	logger.Warn().Int("active_jobs", len(activeJobs)).Msg("handling robot crash")

	if restart != nil {
		err := restart(ctx)
		m.record(Action{
			Type:    ActionRobotRestart,
			RobotID: robotID,
			Attempt: 1,
			Success: err == nil,
			Error:   errString(err),
		})
		if err != nil {
			logger.Warn().Err(err).Msg("robot restart failed")
		}
	}

	outcomes := make(map[string]error, len(activeJobs))
	for _, job := range activeJobs {
		var err error
		if reassign != nil {
			err = reassign(ctx, job)
		}
		outcomes[job.ID] = err
		m.record(Action{
			Type:    ActionJobReassign,
			RobotID: robotID,
			JobID:   job.ID,
			Attempt: 1,
			Success: err == nil,
			Error:   errString(err),
		})
		if err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("job reassignment failed")
		}
	}
	return outcomes
}

// Actions returns a snapshot of the recorded history, oldest first.
func (m *Manager) Actions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Action(nil), m.actions...)
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialDelay
	b.Multiplier = m.cfg.Multiplier
	b.MaxInterval = m.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// nextDelay returns the next backoff interval, stretched by up to 25%
// when jitter is on. The deterministic delay is the floor; jitter only
// ever adds.
func (m *Manager) nextDelay(b *backoff.ExponentialBackOff) time.Duration {
	d := b.NextBackOff()
	if m.cfg.Jitter && d > 0 {
		d += time.Duration(rand.Float64() * 0.25 * float64(d))
	}
	return d
}

func (m *Manager) acquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[key] {
		return false
	}
	m.inFlight[key] = true
	return true
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	delete(m.inFlight, key)
	m.mu.Unlock()
}

func (m *Manager) record(a Action) {
	a.Timestamp = time.Now().UTC()
	m.mu.Lock()
	m.actions = append(m.actions, a)
	if len(m.actions) > maxActions {
		m.actions = m.actions[len(m.actions)-maxActions:]
	}
	m.mu.Unlock()
}

func (m *Manager) escalate(robotID string, err error) {
	log.WithRobotID(robotID).Error().Err(err).Msg("reconnect attempts exhausted, escalating")
	if m.cfg.OnEscalation != nil {
		m.cfg.OnEscalation(robotID, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
