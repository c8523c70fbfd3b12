package distributor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/router"
	"github.com/drover-io/drover/pkg/selector"
	"github.com/drover-io/drover/pkg/types"
)

// ErrNoCandidates is returned when no robot can take a job.
var ErrNoCandidates = errors.New("no candidate robots")

// errBreakerOpen marks a robot skipped because its breaker is open.
var errBreakerOpen = errors.New("robot circuit open")

// SendFunc delivers a job to a robot and returns nil once the robot
// accepts it. It is expected to update the robot's job accounting.
type SendFunc func(ctx context.Context, job *types.Job, robot *types.Robot) error

// Config tunes the dispatch retry loop.
type Config struct {
	MaxRetries          int           // extra attempts after the first (default 3)
	RetryDelay          time.Duration // pause between attempts (zero means none)
	DistributionTimeout time.Duration // per-send bound (default 10s)
	BreakerFailures     uint32        // consecutive send failures that open a robot's breaker (default 5)
	BreakerCooldown     time.Duration // how long an open breaker excludes a robot (default 30s)
	OnSuccess           func(job *types.Job, robot *types.Robot)
	OnFailure           func(job *types.Job, attempted []string)
}

// Result reports one dispatch outcome.
type Result struct {
	Success    bool     `json:"success"`
	JobID      string   `json:"job_id"`
	RobotID    string   `json:"robot_id,omitempty"`
	RetryCount int      `json:"retry_count"`
	Attempted  []string `json:"attempted,omitempty"`
	Err        error    `json:"-"`
}

// Stats aggregates dispatch outcomes.
type Stats struct {
	Dispatched      int64            `json:"dispatched"`
	Succeeded       int64            `json:"succeeded"`
	Failed          int64            `json:"failed"`
	JobsCompleted   int64            `json:"jobs_completed"`
	JobsFailed      int64            `json:"jobs_failed"`
	RobotPlacements map[string]int64 `json:"robot_placements"`
	RobotRejections map[string]int64 `json:"robot_rejections"`
}

// Distributor places jobs onto robots: first matching rule picks the
// strategy and candidate filter, then the selector chooses among robots
// not yet attempted, retrying up to MaxRetries with RetryDelay between
// attempts. A circuit breaker per robot sits around the send so a robot
// that keeps failing is excluded for the breaker cool-down.
type Distributor struct {
	router   *router.Router
	selector *selector.Selector
	send     SendFunc
	cfg      Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	stats    Stats
}

// New creates a distributor delivering jobs through send.
func New(rt *router.Router, sel *selector.Selector, send SendFunc, cfg Config) *Distributor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.DistributionTimeout <= 0 {
		cfg.DistributionTimeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return &Distributor{
		router:   rt,
		selector: sel,
		send:     send,
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		stats: Stats{
			RobotPlacements: make(map[string]int64),
			RobotRejections: make(map[string]int64),
		},
	}
}

// Dispatch places one job on a robot, retrying across the candidate set.
// Once every candidate has been tried the exclusion resets, so retries
// cycle through the pool until the attempt budget runs out.
func (d *Distributor) Dispatch(ctx context.Context, job *types.Job, robots []*types.Robot) Result {
	logger := log.WithComponent("distributor").With().Str("job_id", job.ID).Logger()

	strategy, criteria := d.resolve(job)
	result := Result{JobID: job.ID}
	tried := make(map[string]bool)

	d.mu.Lock()
	d.stats.Dispatched++
	d.mu.Unlock()

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		robot := d.pick(strategy, job, robots, criteria, tried)
		if robot == nil && len(tried) > 0 {
			// Every candidate has been attempted; start over on the pool.
			tried = make(map[string]bool)
			robot = d.pick(strategy, job, robots, criteria, tried)
		}
		if robot == nil {
			result.Err = ErrNoCandidates
			break
		}

		result.RetryCount = attempt
		if !containsString(result.Attempted, robot.ID) {
			result.Attempted = append(result.Attempted, robot.ID)
		}
		tried[robot.ID] = true

		err := d.sendThroughBreaker(ctx, job, robot)
		if err == nil {
			result.Success = true
			result.RobotID = robot.ID

			d.mu.Lock()
			d.stats.Succeeded++
			d.stats.RobotPlacements[robot.ID]++
			d.mu.Unlock()

			logger.Info().Str("robot_id", robot.ID).Int("attempt", attempt).Msg("job placed")
			if d.cfg.OnSuccess != nil {
				d.cfg.OnSuccess(job, robot)
			}
			return result
		}

		result.Err = err
		d.mu.Lock()
		d.stats.RobotRejections[robot.ID]++
		d.mu.Unlock()

		logger.Warn().Err(err).Str("robot_id", robot.ID).Int("attempt", attempt).Msg("dispatch attempt failed")

		if attempt < d.cfg.MaxRetries && d.cfg.RetryDelay > 0 {
			select {
			case <-time.After(d.cfg.RetryDelay):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			break
		}
	}

	d.mu.Lock()
	d.stats.Failed++
	d.mu.Unlock()

	logger.Error().Err(result.Err).Strs("attempted", result.Attempted).Msg("dispatch exhausted")
	if d.cfg.OnFailure != nil {
		d.cfg.OnFailure(job, result.Attempted)
	}
	return result
}

// DispatchBatch places jobs highest priority first, dropping robots from
// the pool as their capacity saturates.
func (d *Distributor) DispatchBatch(ctx context.Context, jobs []*types.Job, robots []*types.Robot) []Result {
	ordered := make([]*types.Job, len(jobs))
	copy(ordered, jobs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	pool := make([]*types.Robot, len(robots))
	copy(pool, robots)

	results := make([]Result, 0, len(ordered))
	for _, job := range ordered {
		res := d.Dispatch(ctx, job, pool)
		results = append(results, res)
		if res.Success {
			pool = trimSaturated(pool)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

// RecordJobOutcome feeds terminal job results back into the stats.
func (d *Distributor) RecordJobOutcome(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if success {
		d.stats.JobsCompleted++
	} else {
		d.stats.JobsFailed++
	}
}

// Stats returns a snapshot of the dispatch counters.
func (d *Distributor) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.stats
	out.RobotPlacements = make(map[string]int64, len(d.stats.RobotPlacements))
	for k, v := range d.stats.RobotPlacements {
		out.RobotPlacements[k] = v
	}
	out.RobotRejections = make(map[string]int64, len(d.stats.RobotRejections))
	for k, v := range d.stats.RobotRejections {
		out.RobotRejections[k] = v
	}
	return out
}

// resolve maps a job through the rule table to its strategy and filter.
func (d *Distributor) resolve(job *types.Job) (types.SelectionStrategy, selector.Criteria) {
	if d.router == nil {
		return "", selector.Criteria{}
	}
	rule, ok := d.router.Match(job)
	if !ok {
		return "", selector.Criteria{}
	}
	return rule.Strategy, selector.Criteria{
		RequiredTags:    rule.RequiredTags,
		PreferredRobots: rule.PreferredRobots,
		ExcludedRobots:  rule.ExcludedRobots,
	}
}

// pick selects among robots not yet tried whose breaker is closed.
func (d *Distributor) pick(strategy types.SelectionStrategy, job *types.Job, robots []*types.Robot, c selector.Criteria, tried map[string]bool) *types.Robot {
	eligible := make([]*types.Robot, 0, len(robots))
	for _, r := range robots {
		if tried[r.ID] || d.breakerOpen(r.ID) {
			continue
		}
		eligible = append(eligible, r)
	}
	return d.selector.Select(strategy, job, eligible, c)
}

func (d *Distributor) sendThroughBreaker(ctx context.Context, job *types.Job, robot *types.Robot) error {
	cb := d.breaker(robot.ID)
	_, err := cb.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.DistributionTimeout)
		defer cancel()
		return nil, d.send(sendCtx, job, robot)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", errBreakerOpen, robot.ID)
	}
	return err
}

func (d *Distributor) breaker(robotID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb, ok := d.breakers[robotID]
	if !ok {
		failures := d.cfg.BreakerFailures
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "robot-" + robotID,
			Timeout: d.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		})
		d.breakers[robotID] = cb
	}
	return cb
}

func (d *Distributor) breakerOpen(robotID string) bool {
	d.mu.Lock()
	cb, ok := d.breakers[robotID]
	d.mu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}

func trimSaturated(pool []*types.Robot) []*types.Robot {
	out := pool[:0]
	for _, r := range pool {
		if r.IsAvailable() {
			out = append(out, r)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
