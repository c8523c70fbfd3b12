package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/engine"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/security"
	"github.com/drover-io/drover/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Storage.Backend = "file"
	cfg.Storage.DataDir = t.TempDir()
	cfg.Dispatch.Interval = config.Duration(10 * time.Millisecond)

	e := engine.New(cfg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop() })

	ts := httptest.NewServer(New(e).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func createWorkflow(t *testing.T, ts *httptest.Server, name string) *types.Workflow {
	t.Helper()

	var wf types.Workflow
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/workflows", map[string]any{
		"name":       name,
		"definition": map[string]any{"steps": []string{}},
	}, &wf)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return &wf
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "drover_queue_depth")
}

func TestJobLifecycleOverAPI(t *testing.T) {
	ts := newTestServer(t)
	wf := createWorkflow(t, ts, "deploy")

	var job types.Job
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs", engine.SubmitRequest{
		WorkflowID: wf.ID,
		Priority:   types.PriorityHigh,
		Params:     map[string]string{"env": "prod"},
	}, &job)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, types.JobStatusQueued, job.Status)

	var got types.Job
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+job.ID, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, job.ID, got.ID)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/jobs/"+job.ID+"?reason=testing", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+job.ID, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
	assert.Equal(t, "testing", got.ErrorMessage)
}

func TestDuplicateJobConflict(t *testing.T) {
	ts := newTestServer(t)
	wf := createWorkflow(t, ts, "deploy")

	req := engine.SubmitRequest{WorkflowID: wf.ID, Params: map[string]string{"a": "1"}}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs", req, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/jobs", req, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnknownJobNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/jobs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/jobs", engine.SubmitRequest{WorkflowID: "nope"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleManagement(t *testing.T) {
	ts := newTestServer(t)
	wf := createWorkflow(t, ts, "report")

	var sched types.Schedule
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/schedules", types.Schedule{
		Name:           "nightly",
		WorkflowID:     wf.ID,
		Frequency:      types.FrequencyCron,
		CronExpression: "0 2 * * *",
		Enabled:        true,
	}, &sched)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, sched.ID)
	assert.False(t, sched.NextRun.IsZero())

	var list []types.Schedule
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/schedules", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/schedules/"+sched.ID+"/toggle", map[string]bool{"enabled": false}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/schedules", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/schedules/"+sched.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestScheduleRejectsBadCron(t *testing.T) {
	ts := newTestServer(t)
	wf := createWorkflow(t, ts, "report")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/schedules", types.Schedule{
		Name:           "broken",
		WorkflowID:     wf.ID,
		Frequency:      types.FrequencyCron,
		CronExpression: "not a cron",
		Enabled:        true,
	}, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTokenIssuance(t *testing.T) {
	ts := newTestServer(t)

	var tok security.Token
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/tokens", map[string]any{
		"robot_id": "r1",
		"scopes":   []string{"execute"},
	}, &tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, "r1", tok.RobotID)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/tokens", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusAndStats(t *testing.T) {
	ts := newTestServer(t)
	wf := createWorkflow(t, ts, "deploy")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs", engine.SubmitRequest{WorkflowID: wf.ID}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var dash types.DashboardMetrics
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/status", nil, &dash)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, dash.TotalJobs)
	assert.Equal(t, 1, dash.TotalWorkflows)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/stats", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var robots []types.Robot
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/robots", nil, &robots)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, robots)
}
