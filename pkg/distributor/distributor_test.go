package distributor

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/router"
	"github.com/drover-io/drover/pkg/selector"
	"github.com/drover-io/drover/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func onlineRobot(id string, tags ...string) *types.Robot {
	return &types.Robot{
		ID:                id,
		Name:              id,
		Status:            types.RobotStatusOnline,
		MaxConcurrentJobs: 4,
		Tags:              tags,
	}
}

func testJob(id string, priority types.JobPriority) *types.Job {
	return &types.Job{
		ID:           id,
		WorkflowID:   "wf-" + id,
		WorkflowName: "deploy-app",
		Priority:     priority,
		Status:       types.JobStatusQueued,
	}
}

// sendRecorder captures the order robots were attempted in.
type sendRecorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (s *sendRecorder) send(_ context.Context, _ *types.Job, robot *types.Robot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, robot.ID)
	if s.fail[robot.ID] {
		return errors.New("robot rejected job")
	}
	robot.CurrentJobs++
	return nil
}

func (s *sendRecorder) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestDispatchFirstAttempt(t *testing.T) {
	rec := &sendRecorder{}
	var succeeded *types.Robot
	d := New(router.New(nil), selector.New(), rec.send, Config{
		RetryDelay: -1,
		OnSuccess:  func(_ *types.Job, r *types.Robot) { succeeded = r },
	})

	res := d.Dispatch(context.Background(), testJob("j1", types.PriorityNormal),
		[]*types.Robot{onlineRobot("r1")})

	assert.True(t, res.Success)
	assert.Equal(t, "r1", res.RobotID)
	assert.Equal(t, 0, res.RetryCount)
	assert.Equal(t, []string{"r1"}, res.Attempted)
	require.NotNil(t, succeeded)
	assert.Equal(t, "r1", succeeded.ID)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Dispatched)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), stats.RobotPlacements["r1"])
}

func TestDispatchRetriesNextRobot(t *testing.T) {
	rec := &sendRecorder{fail: map[string]bool{"r1": true}}
	rules := []types.DistributionRule{{Name: "all", WorkflowPattern: "*", Strategy: types.StrategyRoundRobin}}
	d := New(router.New(rules), selector.New(), rec.send, Config{RetryDelay: -1})

	res := d.Dispatch(context.Background(), testJob("j1", types.PriorityNormal),
		[]*types.Robot{onlineRobot("r1"), onlineRobot("r2")})

	assert.True(t, res.Success)
	assert.Equal(t, "r2", res.RobotID)
	assert.Equal(t, 1, res.RetryCount)
	assert.Equal(t, []string{"r1", "r2"}, res.Attempted)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.RobotRejections["r1"])
}

func TestDispatchExhaustsRetries(t *testing.T) {
	rec := &sendRecorder{fail: map[string]bool{"r1": true, "r2": true}}
	rules := []types.DistributionRule{{Name: "all", WorkflowPattern: "*", Strategy: types.StrategyRoundRobin}}

	var failedJob string
	var failedAttempted []string
	d := New(router.New(rules), selector.New(), rec.send, Config{
		MaxRetries: 3,
		RetryDelay: -1,
		OnFailure: func(job *types.Job, attempted []string) {
			failedJob = job.ID
			failedAttempted = attempted
		},
	})

	res := d.Dispatch(context.Background(), testJob("j1", types.PriorityHigh),
		[]*types.Robot{onlineRobot("r1"), onlineRobot("r2")})

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.RetryCount)
	assert.Equal(t, []string{"r1", "r2"}, res.Attempted)
	assert.Equal(t, []string{"r1", "r2", "r1", "r2"}, rec.sent())
	assert.Equal(t, "j1", failedJob)
	assert.Equal(t, []string{"r1", "r2"}, failedAttempted)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Failed)
}

func TestDispatchNoCandidates(t *testing.T) {
	rec := &sendRecorder{}
	d := New(router.New(nil), selector.New(), rec.send, Config{RetryDelay: -1})

	res := d.Dispatch(context.Background(), testJob("j1", types.PriorityNormal), nil)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoCandidates)
	assert.Empty(t, res.Attempted)
	assert.Empty(t, rec.sent())
}

func TestDispatchHonorsRuleTags(t *testing.T) {
	rec := &sendRecorder{}
	rules := []types.DistributionRule{{
		Name:            "gpu-work",
		WorkflowPattern: "deploy-*",
		RequiredTags:    []string{"gpu"},
	}}
	d := New(router.New(rules), selector.New(), rec.send, Config{RetryDelay: -1})

	res := d.Dispatch(context.Background(), testJob("j1", types.PriorityNormal),
		[]*types.Robot{onlineRobot("plain"), onlineRobot("accel", "gpu")})

	assert.True(t, res.Success)
	assert.Equal(t, "accel", res.RobotID)
}

func TestDispatchSendTimeout(t *testing.T) {
	slowSend := func(ctx context.Context, _ *types.Job, _ *types.Robot) error {
		<-ctx.Done()
		return ctx.Err()
	}
	d := New(router.New(nil), selector.New(), slowSend, Config{
		MaxRetries:          1,
		RetryDelay:          -1,
		DistributionTimeout: 20 * time.Millisecond,
	})

	res := d.Dispatch(context.Background(), testJob("j1", types.PriorityNormal),
		[]*types.Robot{onlineRobot("r1")})

	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	rec := &sendRecorder{fail: map[string]bool{"r1": true}}
	d := New(router.New(nil), selector.New(), rec.send, Config{
		MaxRetries:      5,
		RetryDelay:      -1,
		BreakerFailures: 2,
		BreakerCooldown: time.Hour,
	})
	robots := []*types.Robot{onlineRobot("r1")}

	res := d.Dispatch(context.Background(), testJob("j1", types.PriorityNormal), robots)
	assert.False(t, res.Success)
	// Two real sends open the breaker; later attempts never reach the robot.
	assert.Equal(t, []string{"r1", "r1"}, rec.sent())

	res = d.Dispatch(context.Background(), testJob("j2", types.PriorityNormal), robots)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoCandidates)
	assert.Equal(t, []string{"r1", "r1"}, rec.sent())
}

func TestDispatchBatchPriorityAndSaturation(t *testing.T) {
	rec := &sendRecorder{}
	d := New(router.New(nil), selector.New(), rec.send, Config{MaxRetries: 1, RetryDelay: -1})

	robot := onlineRobot("r1")
	robot.MaxConcurrentJobs = 1

	low := testJob("low", types.PriorityLow)
	high := testJob("high", types.PriorityCritical)

	results := d.DispatchBatch(context.Background(), []*types.Job{low, high}, []*types.Robot{robot})

	require.Len(t, results, 2)
	assert.Equal(t, "high", results[0].JobID)
	assert.True(t, results[0].Success)
	assert.Equal(t, "low", results[1].JobID)
	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Err, ErrNoCandidates)
	assert.Equal(t, []string{"r1"}, rec.sent())
}

func TestRecordJobOutcome(t *testing.T) {
	d := New(router.New(nil), selector.New(), func(context.Context, *types.Job, *types.Robot) error {
		return nil
	}, Config{RetryDelay: -1})

	d.RecordJobOutcome(true)
	d.RecordJobOutcome(true)
	d.RecordJobOutcome(false)

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.JobsCompleted)
	assert.Equal(t, int64(1), stats.JobsFailed)
}
