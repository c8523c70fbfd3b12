package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/distributor"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/health"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/metrics"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/recovery"
	"github.com/drover-io/drover/pkg/router"
	"github.com/drover-io/drover/pkg/scheduler"
	"github.com/drover-io/drover/pkg/security"
	"github.com/drover-io/drover/pkg/selector"
	"github.com/drover-io/drover/pkg/server"
	"github.com/drover-io/drover/pkg/state"
	"github.com/drover-io/drover/pkg/storage"
	"github.com/drover-io/drover/pkg/types"
)

// maxDispatchRounds is how many exhausted dispatch passes a queued job
// survives before it is abandoned.
const maxDispatchRounds = 5

// persistInterval is how often running job progress is flushed to the
// store and old terminal jobs are dropped from queue tracking.
const persistInterval = 10 * time.Second

// forgetAfter is how long a terminal job stays in queue tracking before
// the persist sweep hands it over to the store alone.
const forgetAfter = time.Minute

// Engine wires the queue, distributor, scheduler, health monitor,
// recovery manager and robot listener into one orchestrator. All fleet
// state flows through it: robots connect to its server, jobs enter
// through SubmitJob and leave through the state-change callback.
type Engine struct {
	cfg *config.Config

	store    storage.Store
	queue    *queue.Queue
	sel      *selector.Selector
	router   *router.Router
	dist     *distributor.Distributor
	sched    *scheduler.Scheduler
	rec      *recovery.Manager
	monitor  *health.Monitor
	sec      *security.Manager
	srv      *server.Server
	broker   *events.Broker
	collects *metrics.Collector

	mu       sync.Mutex
	robots   map[string]*types.Robot
	deferred map[string]*types.Job // one-shot schedule id -> pending job
	rounds   map[string]int        // job id -> exhausted dispatch passes
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds an engine from config. Nothing is opened or bound until
// Start.
func New(cfg *config.Config) *Engine {
	e := &Engine{
		cfg:      cfg,
		queue:    queue.New(queue.Config{DedupWindow: cfg.Queue.DedupWindow.Std(), DefaultTimeout: cfg.Queue.DefaultJobTimeout.Std()}),
		sel:      selector.New(),
		router:   router.New(nil),
		broker:   events.NewBroker(),
		robots:   make(map[string]*types.Robot),
		deferred: make(map[string]*types.Job),
		rounds:   make(map[string]int),
	}

	e.sec = security.NewManager(security.Config{
		SigningSecret:     []byte(cfg.Security.SigningSecret),
		TokenTTL:          cfg.Security.TokenTTL.Std(),
		RateLimitWindow:   cfg.Security.RateLimitWindow.Std(),
		RateLimitRequests: cfg.Security.RateLimitRequests,
	})

	e.dist = distributor.New(e.router, e.sel, e.sendJob, distributor.Config{
		MaxRetries:          cfg.Dispatch.MaxRetries,
		RetryDelay:          cfg.Dispatch.RetryDelay.Std(),
		DistributionTimeout: cfg.Dispatch.DistributionTimeout.Std(),
	})

	e.rec = recovery.New(recovery.Config{
		MaxRetries:   cfg.Recovery.MaxRetries,
		InitialDelay: cfg.Recovery.InitialDelay.Std(),
		Multiplier:   cfg.Recovery.Multiplier,
		MaxDelay:     cfg.Recovery.MaxDelay.Std(),
		Jitter:       cfg.Recovery.Jitter,
		OnFailure:    e.onRecoveryFailure,
	})

	thresholds := health.Thresholds{
		CPUWarning:        cfg.Health.CPUWarning,
		CPUCritical:       cfg.Health.CPUCritical,
		MemoryWarning:     cfg.Health.MemoryWarning,
		MemoryCritical:    cfg.Health.MemoryCritical,
		DiskWarning:       cfg.Health.DiskWarning,
		DiskCritical:      cfg.Health.DiskCritical,
		ErrorRateWarning:  cfg.Health.ErrorRateWarning,
		ErrorRateCritical: cfg.Health.ErrorRateCritical,
	}
	e.monitor = health.New(health.Config{
		HeartbeatTimeout: cfg.Health.HeartbeatTimeout.Std(),
		CheckInterval:    cfg.Health.CheckInterval.Std(),
		Thresholds:       &thresholds,
		OnHealthChange:   e.onHealthChange,
		OnRobotUnhealthy: e.onRobotUnhealthy,
	})

	e.sched = scheduler.New(e.fireSchedule, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval.Std(),
		MisfireGrace: cfg.Scheduler.MisfireGrace.Std(),
	})

	var signer *security.Signer
	if cfg.Security.SignMessages {
		signer = e.sec.Signer
	}
	e.srv = server.New(server.Config{
		ListenAddr:          cfg.Server.ListenAddr,
		Signer:              signer,
		DistributionTimeout: cfg.Dispatch.DistributionTimeout.Std(),
	}, server.Callbacks{
		Authenticate:      e.authenticate,
		JobAccepted:       e.onJobAccepted,
		RobotConnected:    e.onRobotConnected,
		RobotDisconnected: e.onRobotDisconnected,
		Heartbeat:         e.onHeartbeat,
		JobProgress:       e.onJobProgress,
		JobCompleted:      e.onJobCompleted,
		JobFailed:         e.onJobFailed,
		JobCancelled:      e.onJobCancelled,
	})

	e.collects = metrics.NewCollector(e, 15*time.Second)
	e.queue.SetOnStateChange(e.onJobStateChange)
	return e
}

// Start opens the store, rehydrates persisted state and brings up every
// component and background loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	store, err := openStore(e.cfg.Storage)
	if err != nil {
		e.setRunning(false)
		return err
	}
	e.store = store

	e.broker.Start()
	if err := e.hydrate(); err != nil {
		e.broker.Stop()
		e.store.Close()
		e.setRunning(false)
		return err
	}

	e.monitor.Start()
	e.sched.Start()
	e.collects.Start()

	if err := e.srv.Start(); err != nil {
		e.collects.Stop()
		e.sched.Stop()
		e.monitor.Stop()
		e.broker.Stop()
		e.store.Close()
		e.setRunning(false)
		return err
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.group, e.ctx = errgroup.WithContext(e.ctx)
	e.group.Go(func() error { return e.dispatchLoop(e.ctx) })
	e.group.Go(func() error { return e.timeoutLoop(e.ctx) })
	e.group.Go(func() error { return e.persistLoop(e.ctx) })

	log.WithComponent("engine").Info().
		Str("listen_addr", e.cfg.Server.ListenAddr).
		Str("backend", e.cfg.Storage.Backend).
		Msg("engine started")
	return nil
}

// Stop shuts down the loops and components in reverse start order and
// closes the store.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithComponent("engine").Warn().Err(err).Msg("background loop exited with error")
	}

	err := e.srv.Stop()
	e.collects.Stop()
	e.sched.Stop()
	e.monitor.Stop()
	e.broker.Stop()

	e.persistRunning()
	if closeErr := e.store.Close(); err == nil {
		err = closeErr
	}

	log.WithComponent("engine").Info().Msg("engine stopped")
	return err
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	e.running = v
	e.mu.Unlock()
}

// openStore builds the configured persistence backend.
func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "file":
		return storage.NewFileStore(cfg.DataDir)
	case "bolt", "":
		return storage.NewBoltStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// hydrate restores persisted state: robots come back offline until they
// reconnect, enabled schedules rejoin the scheduler, queued jobs rejoin
// the queue and jobs caught running at shutdown are failed.
func (e *Engine) hydrate() error {
	logger := log.WithComponent("engine")

	robots, err := e.store.ListRobots()
	if err != nil {
		return fmt.Errorf("failed to load robots: %w", err)
	}
	e.mu.Lock()
	for _, r := range robots {
		r.Status = types.RobotStatusOffline
		r.CurrentJobs = 0
		e.robots[r.ID] = r
	}
	e.mu.Unlock()
	for _, r := range robots {
		if err := e.store.SaveRobot(r); err != nil {
			return err
		}
	}

	schedules, err := e.store.ListSchedules()
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	for _, s := range schedules {
		if err := e.sched.Add(s); err != nil {
			logger.Warn().Err(err).Str("schedule_id", s.ID).Msg("skipping invalid persisted schedule")
		}
	}

	jobs, err := e.store.ListJobs()
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	for _, job := range jobs {
		switch job.Status {
		case types.JobStatusQueued:
			job.Status = types.JobStatusPending
			job.RobotName = ""
			if err := e.queue.Enqueue(job, false); err != nil {
				logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to requeue persisted job")
			}
		case types.JobStatusRunning:
			if err := state.Apply(job, types.JobStatusFailed, time.Now()); err == nil {
				job.ErrorMessage = "interrupted by orchestrator restart"
				if err := e.store.SaveJob(job); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// dispatchLoop drains the queue head onto available robots.
func (e *Engine) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Dispatch.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.dispatchPass(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatchPass walks the queued jobs in priority order and places every
// one that has a live candidate. A job pinned to an unreachable robot is
// skipped, never blocking the jobs ordered behind it, but each skip
// burns a dispatch round so it cannot sit queued forever. Jobs waiting
// for capacity (a saturated pin, or no fleet online) burn nothing.
func (e *Engine) dispatchPass(ctx context.Context) {
	for _, job := range e.queue.PendingJobs() {
		if ctx.Err() != nil {
			return
		}

		candidates := e.candidates(job)
		if len(candidates) == 0 {
			if job.RobotID != "" && !e.robotOnline(job.RobotID) {
				e.noteDispatchFailure(job, nil)
			}
			continue
		}

		res := e.dist.Dispatch(ctx, job, candidates)
		if res.Success {
			metrics.DispatchOutcomes.WithLabelValues("placed").Inc()
			e.mu.Lock()
			delete(e.rounds, job.ID)
			e.mu.Unlock()
			continue
		}

		metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
		e.noteDispatchFailure(job, res.Err)
	}
}

// noteDispatchFailure burns one dispatch round for the job and abandons
// it once the rounds are exhausted.
func (e *Engine) noteDispatchFailure(job *types.Job, cause error) {
	e.mu.Lock()
	e.rounds[job.ID]++
	exhausted := e.rounds[job.ID] >= maxDispatchRounds
	if exhausted {
		delete(e.rounds, job.ID)
	}
	e.mu.Unlock()

	if !exhausted {
		return
	}
	reason := "no robot accepted the job"
	if cause != nil {
		reason = fmt.Sprintf("no robot accepted the job: %v", cause)
	}
	if err := e.queue.Cancel(job.ID, reason); err != nil {
		log.WithJobID(job.ID).Warn().Err(err).Msg("failed to abandon undispatchable job")
	}
}

// robotOnline reports whether the robot is connected, regardless of its
// remaining capacity.
func (e *Engine) robotOnline(robotID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.robots[robotID]
	return ok && r.Status == types.RobotStatusOnline
}

// candidates returns the online fleet view for a job, narrowed to its
// target when the job is pinned to one robot.
func (e *Engine) candidates(job *types.Job) []*types.Robot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*types.Robot
	for _, r := range e.robots {
		if !r.IsAvailable() {
			continue
		}
		if job.RobotID != "" && r.ID != job.RobotID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// sendJob is the distributor's delivery path: push the job over the
// robot's session and wait for the accept. The binding itself happens in
// onJobAccepted on the session's read goroutine.
func (e *Engine) sendJob(ctx context.Context, job *types.Job, robot *types.Robot) error {
	started := time.Now()
	err := e.srv.SendJob(ctx, job, robot.ID)
	e.monitor.RecordRequest(robot.ID, err == nil, time.Since(started))
	return err
}

// timeoutLoop expires overdue running jobs and tells their robots to
// stop working on them.
func (e *Engine) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Queue.TimeoutCheckInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, id := range e.queue.CheckTimeouts(time.Now()) {
				job, ok := e.queue.Job(id)
				if !ok || job.RobotID == "" {
					continue
				}
				if err := e.srv.CancelJob(job.RobotID, id, queue.TimeoutErrorMessage); err != nil {
					log.WithJobID(id).Warn().Err(err).Msg("failed to notify robot of timeout")
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// persistLoop flushes running job progress and drops terminal jobs from
// in-memory tracking once the store owns them.
func (e *Engine) persistLoop(ctx context.Context) error {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.persistRunning()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) persistRunning() {
	cutoff := time.Now().Add(-forgetAfter)
	for _, job := range e.queue.Jobs() {
		switch {
		case job.Status == types.JobStatusRunning:
			if err := e.store.SaveJob(job); err != nil {
				log.WithJobID(job.ID).Error().Err(err).Msg("failed to persist running job")
			}
		case job.Status.Terminal() && job.CompletedAt.Before(cutoff):
			e.queue.Forget(job.ID)
		}
	}
}

// MetricsSnapshot implements metrics.Source.
func (e *Engine) MetricsSnapshot() metrics.Snapshot {
	snap := metrics.Snapshot{
		JobsByStatus:   make(map[string]int),
		RobotsByStatus: make(map[string]int),
		QueueDepth:     e.queue.PendingCount(),
		RobotSessions:  e.srv.SessionCount(),
	}
	for _, job := range e.queue.Jobs() {
		snap.JobsByStatus[string(job.Status)]++
	}

	e.mu.Lock()
	for _, r := range e.robots {
		snap.RobotsByStatus[string(r.Status)]++
	}
	e.mu.Unlock()
	return snap
}

// Addr returns the robot listener address, nil before Start.
func (e *Engine) Addr() string {
	addr := e.srv.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}
