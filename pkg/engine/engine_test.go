package engine

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/client"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/queue"
	"github.com/drover-io/drover/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// testConfig returns a config with ephemeral ports, file storage in a
// temp dir and loop intervals tightened for tests.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Storage.Backend = "file"
	cfg.Storage.DataDir = t.TempDir()
	cfg.Dispatch.Interval = config.Duration(10 * time.Millisecond)
	cfg.Dispatch.RetryDelay = config.Duration(10 * time.Millisecond)
	cfg.Queue.TimeoutCheckInterval = config.Duration(20 * time.Millisecond)
	cfg.Scheduler.TickInterval = config.Duration(10 * time.Millisecond)
	cfg.Recovery.InitialDelay = config.Duration(time.Millisecond)
	cfg.Recovery.Jitter = false
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()

	e := New(cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop() })
	return e
}

func connectRobot(t *testing.T, e *Engine, cfg client.Config) *client.Robot {
	t.Helper()

	cfg.ServerAddr = e.Addr()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	r := client.New(cfg)
	require.NoError(t, r.Connect(context.Background()))
	t.Cleanup(func() { r.Close() })
	return r
}

func awaitEvent(t *testing.T, sub events.Subscriber, want events.Type) *events.Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestStartStop(t *testing.T) {
	e := startEngine(t, testConfig(t))
	assert.NotEmpty(t, e.Addr())
	require.NoError(t, e.Stop())
}

func TestSubmitRequiresWorkflow(t *testing.T) {
	e := startEngine(t, testConfig(t))

	_, err := e.SubmitJob(SubmitRequest{})
	assert.Error(t, err)

	_, err = e.SubmitJob(SubmitRequest{WorkflowName: "nope"})
	assert.Error(t, err)
}

func TestSubmitAndExecute(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{"steps":[]}`))
	require.NoError(t, err)

	sub := e.Subscribe("job.")
	defer e.Unsubscribe(sub)

	exec := func(ctx context.Context, job *types.Job, report func(float64, string)) (json.RawMessage, error) {
		report(50, "work")
		return json.RawMessage(`{"ok":true}`), nil
	}
	connectRobot(t, e, client.Config{RobotID: "r1", Name: "runner", Executor: exec})

	job, err := e.SubmitJob(SubmitRequest{WorkflowID: wf.ID, Priority: types.PriorityHigh})
	require.NoError(t, err)

	ev := awaitEvent(t, sub, events.EventJobCompleted)
	assert.Equal(t, job.ID, ev.JobID)

	done, err := e.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, done.Status)
	assert.Equal(t, "r1", done.RobotID)
	assert.Equal(t, float64(100), done.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)

	req := SubmitRequest{WorkflowID: wf.ID, Params: map[string]string{"env": "prod"}}
	_, err = e.SubmitJob(req)
	require.NoError(t, err)

	_, err = e.SubmitJob(req)
	require.ErrorIs(t, err, queue.ErrDuplicateJob)

	req.SkipDedup = true
	_, err = e.SubmitJob(req)
	assert.NoError(t, err)
}

func TestCancelQueuedJob(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)

	// No robot connected, so the job stays queued.
	job, err := e.SubmitJob(SubmitRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.NoError(t, e.CancelJob(job.ID, "operator request"))

	got, err := e.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
	assert.Equal(t, "operator request", got.ErrorMessage)

	assert.Error(t, e.CancelJob("missing", ""))
}

func TestDeferredSubmission(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)

	sub := e.Subscribe("job.")
	defer e.Unsubscribe(sub)
	connectRobot(t, e, client.Config{RobotID: "r1", Name: "runner"})

	job, err := e.SubmitJob(SubmitRequest{
		WorkflowID:  wf.ID,
		ScheduledAt: time.Now().Add(150 * time.Millisecond),
	})
	require.NoError(t, err)

	// Parked, not queued.
	got, err := e.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)

	ev := awaitEvent(t, sub, events.EventJobCompleted)
	assert.Equal(t, job.ID, ev.JobID)
}

func TestCancelDeferredJob(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)

	job, err := e.SubmitJob(SubmitRequest{
		WorkflowID:  wf.ID,
		ScheduledAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, e.CancelJob(job.ID, "changed plans"))

	got, err := e.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
	assert.Empty(t, e.Schedules())
}

func TestScheduledWorkflow(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("report", json.RawMessage(`{}`))
	require.NoError(t, err)

	sub := e.Subscribe("")
	defer e.Unsubscribe(sub)
	connectRobot(t, e, client.Config{RobotID: "r1", Name: "runner"})

	require.NoError(t, e.CreateSchedule(&types.Schedule{
		Name:       "soon",
		WorkflowID: wf.ID,
		Frequency:  types.FrequencyOnce,
		Enabled:    true,
		Priority:   types.PriorityNormal,
		RunAt:      time.Now().Add(100 * time.Millisecond),
	}))

	fired := awaitEvent(t, sub, events.EventScheduleFired)
	assert.NotEmpty(t, fired.JobID)
	awaitEvent(t, sub, events.EventJobCompleted)
}

func TestScheduleRequiresWorkflow(t *testing.T) {
	e := startEngine(t, testConfig(t))

	err := e.CreateSchedule(&types.Schedule{
		Name:       "orphan",
		WorkflowID: "missing",
		Frequency:  types.FrequencyHourly,
		Enabled:    true,
	})
	assert.Error(t, err)
}

func TestRobotCrashReassignsJobs(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)

	sub := e.Subscribe("job.")
	defer e.Unsubscribe(sub)

	// Speak the wire protocol directly so the connection can be dropped
	// mid-job without the graceful cancel a real robot would send.
	conn, err := net.Dial("tcp", e.Addr())
	require.NoError(t, err)
	hs, err := protocol.New(protocol.TypeHandshake, 1, protocol.HandshakePayload{RobotID: "r1", Name: "runner", MaxJobs: 1})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(conn, hs))
	ack, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHandshakeAck, ack.Type)

	job, err := e.SubmitJob(SubmitRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	for {
		msg, err := protocol.ReadMessage(conn)
		require.NoError(t, err)
		if msg.Type != protocol.TypeExecuteJob {
			continue
		}
		accept, err := protocol.New(protocol.TypeJobAccepted, 2, protocol.JobAckPayload{JobID: job.ID})
		require.NoError(t, err)
		require.NoError(t, protocol.WriteMessage(conn, accept))
		break
	}

	require.Eventually(t, func() bool {
		got, _ := e.Job(job.ID)
		return got != nil && got.Status == types.JobStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	ev := awaitEvent(t, sub, events.EventJobFailed)
	assert.Equal(t, job.ID, ev.JobID)

	failed, err := e.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "robot connection lost", failed.ErrorMessage)

	// The replacement copy is queued, unpinned, waiting for a robot.
	require.Eventually(t, func() bool {
		jobs, err := e.Jobs()
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if j.ID != job.ID && j.WorkflowID == wf.ID && j.Status == types.JobStatusQueued && j.RobotID == "" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCompletionRightBehindAccept(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)

	sub := e.Subscribe("job.")
	defer e.Unsubscribe(sub)

	conn, err := net.Dial("tcp", e.Addr())
	require.NoError(t, err)
	defer conn.Close()
	hs, err := protocol.New(protocol.TypeHandshake, 1, protocol.HandshakePayload{RobotID: "r1", Name: "runner", MaxJobs: 1})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(conn, hs))
	ack, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeHandshakeAck, ack.Type)

	job, err := e.SubmitJob(SubmitRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	for {
		msg, err := protocol.ReadMessage(conn)
		require.NoError(t, err)
		if msg.Type != protocol.TypeExecuteJob {
			continue
		}
		// Accept and report completion back-to-back: the result must land
		// even when it arrives before the accept has round-tripped.
		accept, err := protocol.New(protocol.TypeJobAccepted, 2, protocol.JobAckPayload{JobID: job.ID})
		require.NoError(t, err)
		require.NoError(t, protocol.WriteMessage(conn, accept))
		done, err := protocol.New(protocol.TypeJobCompleted, 3, protocol.JobCompletedPayload{JobID: job.ID, Result: json.RawMessage(`{"ok":true}`)})
		require.NoError(t, err)
		require.NoError(t, protocol.WriteMessage(conn, done))
		break
	}

	ev := awaitEvent(t, sub, events.EventJobCompleted)
	assert.Equal(t, job.ID, ev.JobID)

	got, err := e.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}

func TestPinnedJobDoesNotBlockOthers(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)

	sub := e.Subscribe("job.")
	defer e.Unsubscribe(sub)
	connectRobot(t, e, client.Config{RobotID: "r1", Name: "runner"})

	// Pinned to a robot that never connects; it must not starve the
	// untargeted job queued behind it.
	pinned, err := e.SubmitJob(SubmitRequest{WorkflowID: wf.ID, RobotID: "ghost", Priority: types.PriorityHigh})
	require.NoError(t, err)
	free, err := e.SubmitJob(SubmitRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	ev := awaitEvent(t, sub, events.EventJobCompleted)
	assert.Equal(t, free.ID, ev.JobID)

	// The unplaceable pinned job is eventually abandoned, not left queued.
	require.Eventually(t, func() bool {
		got, err := e.Job(pinned.ID)
		return err == nil && got.Status == types.JobStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	got, err := e.Job(pinned.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage, "no robot accepted the job")
}

func TestStartFailureLeavesEngineStoppable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "bogus"
	e := New(cfg)

	require.Error(t, e.Start(context.Background()))
	assert.NoError(t, e.Stop())

	// The engine starts once the config is corrected.
	cfg.Storage.Backend = "file"
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop())
}

func TestTokenAuthentication(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.RequireToken = true
	e := startEngine(t, cfg)

	bad := client.New(client.Config{
		ServerAddr:        e.Addr(),
		RobotID:           "r1",
		Name:              "runner",
		Token:             "bogus",
		HeartbeatInterval: time.Hour,
	})
	assert.Error(t, bad.Connect(context.Background()))

	tok, err := e.IssueRobotToken("r1", nil)
	require.NoError(t, err)
	connectRobot(t, e, client.Config{RobotID: "r1", Name: "runner", Token: tok.Token})

	// A token issued to one robot does not open a session for another.
	other := client.New(client.Config{
		ServerAddr:        e.Addr(),
		RobotID:           "r2",
		Name:              "imposter",
		Token:             tok.Token,
		HeartbeatInterval: time.Hour,
	})
	assert.Error(t, other.Connect(context.Background()))
}

func TestJobTimeout(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)

	sub := e.Subscribe("job.")
	defer e.Unsubscribe(sub)

	exec := func(ctx context.Context, job *types.Job, report func(float64, string)) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	connectRobot(t, e, client.Config{RobotID: "r1", Name: "runner", Executor: exec})

	job, err := e.SubmitJob(SubmitRequest{WorkflowID: wf.ID, TimeoutMS: 50})
	require.NoError(t, err)

	ev := awaitEvent(t, sub, events.EventJobTimeout)
	assert.Equal(t, job.ID, ev.JobID)

	got, err := e.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusTimeout, got.Status)
	assert.Equal(t, queue.TimeoutErrorMessage, got.ErrorMessage)
}

func TestRestartRecoversPersistedState(t *testing.T) {
	cfg := testConfig(t)
	e := startEngine(t, cfg)

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)

	queued, err := e.SubmitJob(SubmitRequest{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.NoError(t, e.Stop())

	e2 := New(cfg)
	require.NoError(t, e2.Start(context.Background()))
	defer e2.Stop()

	got, err := e2.Job(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, got.Status)

	wfs, err := e2.Workflows()
	require.NoError(t, err)
	assert.Len(t, wfs, 1)
}

func TestMetricsSnapshot(t *testing.T) {
	e := startEngine(t, testConfig(t))

	wf, err := e.CreateWorkflow("deploy", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = e.SubmitJob(SubmitRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	snap := e.MetricsSnapshot()
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Equal(t, 1, snap.JobsByStatus[string(types.JobStatusQueued)])
	assert.Equal(t, 0, snap.RobotSessions)
}
