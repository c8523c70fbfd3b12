package health

import (
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/types"
)

// Status is a robot's computed health.
type Status string

const (
	StatusUnknown   Status = "unknown" // no heartbeat received yet
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"  // a warning threshold exceeded
	StatusUnhealthy Status = "unhealthy" // a critical threshold exceeded or heartbeat stale
)

// emaWeight is the weight of the newest response-time sample.
const emaWeight = 0.3

// Thresholds are the warning and critical limits per resource.
// Percentages for cpu/memory/disk, a 0..1 ratio for the error rate.
type Thresholds struct {
	CPUWarning        float64
	CPUCritical       float64
	MemoryWarning     float64
	MemoryCritical    float64
	DiskWarning       float64
	DiskCritical      float64
	ErrorRateWarning  float64
	ErrorRateCritical float64
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:        80,
		CPUCritical:       95,
		MemoryWarning:     80,
		MemoryCritical:    95,
		DiskWarning:       85,
		DiskCritical:      95,
		ErrorRateWarning:  0.1,
		ErrorRateCritical: 0.5,
	}
}

// Config tunes the monitor.
type Config struct {
	HeartbeatTimeout time.Duration // silence before a robot is unhealthy (default 90s)
	CheckInterval    time.Duration // sweep cadence (default 30s)
	Thresholds       *Thresholds   // nil uses DefaultThresholds

	// OnHealthChange fires once per status transition.
	OnHealthChange func(robotID string, oldStatus, newStatus Status)
	// OnRobotUnhealthy fires once per transition into unhealthy.
	OnRobotUnhealthy func(robotID string)
}

// Report is a point-in-time view of one robot's health.
type Report struct {
	RobotID        string    `json:"robot_id"`
	Status         Status    `json:"status"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskPercent    float64   `json:"disk_percent"`
	ActiveJobs     int       `json:"active_jobs"`
	Requests       int64     `json:"requests"`
	Errors         int64     `json:"errors"`
	ErrorRate      float64   `json:"error_rate"`
	AvgResponseMS  float64   `json:"avg_response_ms"`
}

type robotHealth struct {
	lastHeartbeat time.Time
	cpu           float64
	memory        float64
	disk          float64
	activeJobs    int
	requests      int64
	errors        int64
	responseMS    float64
	hasResponse   bool
	status        Status
}

type transition struct {
	robotID string
	from    Status
	to      Status
}

// Monitor tracks robot health from heartbeats and request outcomes.
// Status is recomputed on every heartbeat and by a periodic sweep that
// catches robots going silent.
type Monitor struct {
	mu     sync.Mutex
	robots map[string]*robotHealth

	timeout    time.Duration
	interval   time.Duration
	thresholds Thresholds

	onChange    func(string, Status, Status)
	onUnhealthy func(string)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a health monitor.
func New(cfg Config) *Monitor {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	thresholds := DefaultThresholds()
	if cfg.Thresholds != nil {
		thresholds = *cfg.Thresholds
	}
	return &Monitor{
		robots:      make(map[string]*robotHealth),
		timeout:     cfg.HeartbeatTimeout,
		interval:    cfg.CheckInterval,
		thresholds:  thresholds,
		onChange:    cfg.OnHealthChange,
		onUnhealthy: cfg.OnRobotUnhealthy,
		stopCh:      make(chan struct{}),
	}
}

// Track registers a robot with unknown status.
func (m *Monitor) Track(robotID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.robots[robotID]; !ok {
		m.robots[robotID] = &robotHealth{status: StatusUnknown}
	}
}

// Forget drops a robot from the monitor.
func (m *Monitor) Forget(robotID string) {
	m.mu.Lock()
	delete(m.robots, robotID)
	m.mu.Unlock()
}

// RecordHeartbeat ingests telemetry and recomputes the robot's status.
func (m *Monitor) RecordHeartbeat(hb types.Heartbeat) {
	now := hb.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	m.mu.Lock()
	h := m.robot(hb.RobotID)
	h.lastHeartbeat = now
	h.cpu = hb.CPUPercent
	h.memory = hb.MemoryPercent
	h.disk = hb.DiskPercent
	h.activeJobs = hb.ActiveJobs
	tr := m.reevaluate(hb.RobotID, h, now)
	m.mu.Unlock()

	m.fire(tr)
}

// RecordRequest counts one request outcome toward the error rate and,
// when positive, folds the response time into the moving average.
func (m *Monitor) RecordRequest(robotID string, success bool, responseTime time.Duration) {
	m.mu.Lock()
	h := m.robot(robotID)
	h.requests++
	if !success {
		h.errors++
	}
	if responseTime > 0 {
		sample := float64(responseTime.Milliseconds())
		if h.hasResponse {
			h.responseMS = emaWeight*sample + (1-emaWeight)*h.responseMS
		} else {
			h.responseMS = sample
			h.hasResponse = true
		}
	}
	tr := m.reevaluate(robotID, h, time.Now())
	m.mu.Unlock()

	m.fire(tr)
}

// Status returns a robot's current health, unknown for untracked robots.
func (m *Monitor) Status(robotID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.robots[robotID]; ok {
		return h.status
	}
	return StatusUnknown
}

// Report returns a snapshot of one robot's health.
func (m *Monitor) Report(robotID string) (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.robots[robotID]
	if !ok {
		return Report{}, false
	}
	return Report{
		RobotID:       robotID,
		Status:        h.status,
		LastHeartbeat: h.lastHeartbeat,
		CPUPercent:    h.cpu,
		MemoryPercent: h.memory,
		DiskPercent:   h.disk,
		ActiveJobs:    h.activeJobs,
		Requests:      h.requests,
		Errors:        h.errors,
		ErrorRate:     errorRate(h),
		AvgResponseMS: h.responseMS,
	}, true
}

// Reports returns snapshots for every tracked robot.
func (m *Monitor) Reports() []Report {
	m.mu.Lock()
	ids := make([]string, 0, len(m.robots))
	for id := range m.robots {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]Report, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.Report(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// Start begins the periodic sweep.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// Sweep recomputes every robot's status, catching stale heartbeats.
func (m *Monitor) Sweep(now time.Time) {
	m.mu.Lock()
	var transitions []transition
	for id, h := range m.robots {
		if tr := m.reevaluate(id, h, now); tr != nil {
			transitions = append(transitions, *tr)
		}
	}
	m.mu.Unlock()

	for i := range transitions {
		m.fire(&transitions[i])
	}
}

// robot fetches or creates the entry. Caller holds m.mu.
func (m *Monitor) robot(robotID string) *robotHealth {
	h, ok := m.robots[robotID]
	if !ok {
		h = &robotHealth{status: StatusUnknown}
		m.robots[robotID] = h
	}
	return h
}

// reevaluate computes the status and returns a transition when it
// changed. Caller holds m.mu; the transition is fired after unlock.
func (m *Monitor) reevaluate(robotID string, h *robotHealth, now time.Time) *transition {
	next := m.evaluate(h, now)
	if next == h.status {
		return nil
	}
	tr := &transition{robotID: robotID, from: h.status, to: next}
	h.status = next
	return tr
}

func (m *Monitor) evaluate(h *robotHealth, now time.Time) Status {
	if h.lastHeartbeat.IsZero() {
		return StatusUnknown
	}
	if now.Sub(h.lastHeartbeat) > m.timeout {
		return StatusUnhealthy
	}

	t := m.thresholds
	rate := errorRate(h)
	switch {
	case h.cpu > t.CPUCritical, h.memory > t.MemoryCritical, h.disk > t.DiskCritical, rate > t.ErrorRateCritical:
		return StatusUnhealthy
	case h.cpu > t.CPUWarning, h.memory > t.MemoryWarning, h.disk > t.DiskWarning, rate > t.ErrorRateWarning:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (m *Monitor) fire(tr *transition) {
	if tr == nil {
		return
	}
	log.WithRobotID(tr.robotID).Info().
		Str("from", string(tr.from)).
		Str("to", string(tr.to)).
		Msg("robot health changed")

	if m.onChange != nil {
		m.onChange(tr.robotID, tr.from, tr.to)
	}
	if tr.to == StatusUnhealthy && m.onUnhealthy != nil {
		m.onUnhealthy(tr.robotID)
	}
}

func errorRate(h *robotHealth) float64 {
	if h.requests == 0 {
		return 0
	}
	return float64(h.errors) / float64(h.requests)
}
