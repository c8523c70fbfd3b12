package state

import (
	"testing"
	"time"

	"github.com/drover-io/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from types.JobStatus
		to   types.JobStatus
		ok   bool
	}{
		{"pending to queued", types.JobStatusPending, types.JobStatusQueued, true},
		{"queued to running", types.JobStatusQueued, types.JobStatusRunning, true},
		{"running to completed", types.JobStatusRunning, types.JobStatusCompleted, true},
		{"running to failed", types.JobStatusRunning, types.JobStatusFailed, true},
		{"running to timeout", types.JobStatusRunning, types.JobStatusTimeout, true},
		{"pending to cancelled", types.JobStatusPending, types.JobStatusCancelled, true},
		{"queued to cancelled", types.JobStatusQueued, types.JobStatusCancelled, true},
		{"running to cancelled", types.JobStatusRunning, types.JobStatusCancelled, true},
		{"pending to running skips queue", types.JobStatusPending, types.JobStatusRunning, false},
		{"queued to completed skips running", types.JobStatusQueued, types.JobStatusCompleted, false},
		{"completed is terminal", types.JobStatusCompleted, types.JobStatusRunning, false},
		{"cancelled is terminal", types.JobStatusCancelled, types.JobStatusQueued, false},
		{"failed cannot be cancelled", types.JobStatusFailed, types.JobStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestApplySideEffects(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	job := &types.Job{ID: "j1", Status: types.JobStatusPending, Progress: 0}

	require.NoError(t, Apply(job, types.JobStatusQueued, start))
	assert.True(t, job.StartedAt.IsZero())

	require.NoError(t, Apply(job, types.JobStatusRunning, start))
	assert.Equal(t, start, job.StartedAt)

	job.Progress = 60
	require.NoError(t, Apply(job, types.JobStatusCompleted, end))
	assert.Equal(t, end, job.CompletedAt)
	assert.Equal(t, int64(1500), job.DurationMS)
	assert.Equal(t, float64(100), job.Progress)
}

func TestApplyTerminalWithoutStart(t *testing.T) {
	now := time.Now()
	job := &types.Job{ID: "j2", Status: types.JobStatusQueued}

	require.NoError(t, Apply(job, types.JobStatusCancelled, now))
	assert.Equal(t, now, job.CompletedAt)
	assert.Zero(t, job.DurationMS)
}

func TestApplyInvalidLeavesJobUntouched(t *testing.T) {
	job := &types.Job{ID: "j3", Status: types.JobStatusCompleted, Progress: 100}
	before := *job

	err := Apply(job, types.JobStatusRunning, time.Now())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, before, *job)
}
