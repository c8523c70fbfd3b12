package health

import (
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func heartbeat(robotID string, cpu float64) types.Heartbeat {
	return types.Heartbeat{
		RobotID:    robotID,
		CPUPercent: cpu,
		Timestamp:  time.Now(),
	}
}

// changeRecorder collects transition callbacks.
type changeRecorder struct {
	mu        sync.Mutex
	changes   []string
	unhealthy []string
}

func (c *changeRecorder) onChange(robotID string, from, to Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, robotID+":"+string(from)+"->"+string(to))
}

func (c *changeRecorder) onUnhealthy(robotID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unhealthy = append(c.unhealthy, robotID)
}

func (c *changeRecorder) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.changes...), append([]string(nil), c.unhealthy...)
}

func TestStatusProgression(t *testing.T) {
	rec := &changeRecorder{}
	m := New(Config{OnHealthChange: rec.onChange, OnRobotUnhealthy: rec.onUnhealthy})

	m.Track("r1")
	assert.Equal(t, StatusUnknown, m.Status("r1"))

	m.RecordHeartbeat(heartbeat("r1", 50))
	assert.Equal(t, StatusHealthy, m.Status("r1"))

	m.RecordHeartbeat(heartbeat("r1", 85))
	assert.Equal(t, StatusDegraded, m.Status("r1"))

	m.RecordHeartbeat(heartbeat("r1", 96))
	assert.Equal(t, StatusUnhealthy, m.Status("r1"))

	// Same status again must not re-fire callbacks.
	m.RecordHeartbeat(heartbeat("r1", 97))

	changes, unhealthy := rec.snapshot()
	assert.Equal(t, []string{
		"r1:unknown->healthy",
		"r1:healthy->degraded",
		"r1:degraded->unhealthy",
	}, changes)
	assert.Equal(t, []string{"r1"}, unhealthy)
}

func TestEvaluateThresholds(t *testing.T) {
	m := New(Config{})
	now := time.Now()

	tests := []struct {
		name string
		hb   types.Heartbeat
		want Status
	}{
		{"all nominal", types.Heartbeat{CPUPercent: 30, MemoryPercent: 40, DiskPercent: 50}, StatusHealthy},
		{"memory warning", types.Heartbeat{MemoryPercent: 81}, StatusDegraded},
		{"disk warning", types.Heartbeat{DiskPercent: 86}, StatusDegraded},
		{"memory critical", types.Heartbeat{MemoryPercent: 96}, StatusUnhealthy},
		{"disk critical", types.Heartbeat{DiskPercent: 96}, StatusUnhealthy},
		{"boundary not exceeded", types.Heartbeat{CPUPercent: 80, MemoryPercent: 80, DiskPercent: 85}, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb := tt.hb
			hb.RobotID = "r1"
			hb.Timestamp = now
			m.RecordHeartbeat(hb)
			assert.Equal(t, tt.want, m.Status("r1"))
		})
	}
}

func TestStaleHeartbeatSweep(t *testing.T) {
	rec := &changeRecorder{}
	m := New(Config{
		HeartbeatTimeout: time.Minute,
		OnHealthChange:   rec.onChange,
		OnRobotUnhealthy: rec.onUnhealthy,
	})

	m.RecordHeartbeat(heartbeat("r1", 10))
	assert.Equal(t, StatusHealthy, m.Status("r1"))

	m.Sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, StatusUnhealthy, m.Status("r1"))

	_, unhealthy := rec.snapshot()
	assert.Equal(t, []string{"r1"}, unhealthy)

	// A fresh heartbeat brings it back.
	m.RecordHeartbeat(heartbeat("r1", 10))
	assert.Equal(t, StatusHealthy, m.Status("r1"))
}

func TestErrorRate(t *testing.T) {
	m := New(Config{})
	m.RecordHeartbeat(heartbeat("r1", 10))

	for i := 0; i < 10; i++ {
		m.RecordRequest("r1", true, 0)
	}
	m.RecordRequest("r1", false, 0)
	assert.Equal(t, StatusHealthy, m.Status("r1"), "1/11 errors stays under the warning rate")

	m.RecordRequest("r1", false, 0)
	assert.Equal(t, StatusDegraded, m.Status("r1"), "2/12 errors exceeds the warning rate")

	report, ok := m.Report("r1")
	require.True(t, ok)
	assert.Equal(t, int64(12), report.Requests)
	assert.Equal(t, int64(2), report.Errors)
	assert.InDelta(t, 2.0/12.0, report.ErrorRate, 1e-9)
}

func TestResponseTimeEMA(t *testing.T) {
	m := New(Config{})
	m.RecordHeartbeat(heartbeat("r1", 10))

	m.RecordRequest("r1", true, 100*time.Millisecond)
	report, _ := m.Report("r1")
	assert.InDelta(t, 100, report.AvgResponseMS, 1e-9, "first sample seeds the average")

	m.RecordRequest("r1", true, 200*time.Millisecond)
	report, _ = m.Report("r1")
	assert.InDelta(t, 0.3*200+0.7*100, report.AvgResponseMS, 1e-9)
}

func TestUntrackedAndForget(t *testing.T) {
	m := New(Config{})
	assert.Equal(t, StatusUnknown, m.Status("ghost"))

	_, ok := m.Report("ghost")
	assert.False(t, ok)

	m.RecordHeartbeat(heartbeat("r1", 10))
	m.Forget("r1")
	_, ok = m.Report("r1")
	assert.False(t, ok)
}

func TestReports(t *testing.T) {
	m := New(Config{})
	m.RecordHeartbeat(heartbeat("r1", 10))
	m.RecordHeartbeat(heartbeat("r2", 85))

	reports := m.Reports()
	assert.Len(t, reports, 2)
}

func TestStartStopIdempotent(t *testing.T) {
	m := New(Config{CheckInterval: 5 * time.Millisecond})
	m.Start()
	m.Start()
	time.Sleep(15 * time.Millisecond)
	m.Stop()
	m.Stop()
}
