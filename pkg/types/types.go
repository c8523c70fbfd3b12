package types

import (
	"encoding/json"
	"time"
)

// Job is a single execution of a workflow on a robot.
type Job struct {
	ID           string            `json:"id"`
	WorkflowID   string            `json:"workflow_id"`
	WorkflowName string            `json:"workflow_name"`
	WorkflowJSON json.RawMessage   `json:"workflow_json,omitempty"`
	RobotID      string            `json:"robot_id,omitempty"` // empty when untargeted
	RobotName    string            `json:"robot_name,omitempty"`
	Status       JobStatus         `json:"status"`
	Priority     JobPriority       `json:"priority"`
	Params       map[string]string `json:"params,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Environment  string            `json:"environment,omitempty"`
	ScheduledAt  time.Time         `json:"scheduled_at,omitempty"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	CompletedAt  time.Time         `json:"completed_at,omitempty"`
	DurationMS   int64             `json:"duration_ms,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"` // 0 = use configured default
	Progress     float64           `json:"progress"`
	CurrentNode  string            `json:"current_node,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Logs         []string          `json:"logs,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// JobPriority orders jobs in the queue; higher values dispatch first.
type JobPriority int

const (
	PriorityLow      JobPriority = 0
	PriorityNormal   JobPriority = 1
	PriorityHigh     JobPriority = 2
	PriorityCritical JobPriority = 3
)

func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Robot is a worker agent in the fleet.
type Robot struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Status            RobotStatus `json:"status"`
	Environment       string      `json:"environment,omitempty"`
	Tags              []string    `json:"tags,omitempty"`
	Capabilities      []string    `json:"capabilities,omitempty"`
	MaxConcurrentJobs int         `json:"max_concurrent_jobs"`
	CurrentJobs       int         `json:"current_jobs"`
	LastHeartbeat     time.Time   `json:"last_heartbeat,omitempty"`
	CPUPercent        float64     `json:"cpu_percent"`
	MemoryPercent     float64     `json:"memory_percent"`
	DiskPercent       float64     `json:"disk_percent"`
	CreatedAt         time.Time   `json:"created_at"`
}

// IsAvailable reports whether the robot can accept another job.
func (r *Robot) IsAvailable() bool {
	return r.Status == RobotStatusOnline && r.CurrentJobs < r.MaxConcurrentJobs
}

// HasTags reports whether the robot carries every tag in required.
func (r *Robot) HasTags(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range r.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RobotStatus represents the current state of a robot
type RobotStatus string

const (
	RobotStatusOffline     RobotStatus = "offline"
	RobotStatusOnline      RobotStatus = "online"
	RobotStatusBusy        RobotStatus = "busy"
	RobotStatusError       RobotStatus = "error"
	RobotStatusMaintenance RobotStatus = "maintenance"
)

// Workflow is an opaque JSON description of work. The orchestrator never
// interprets Definition; robots do.
type Workflow struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Schedule is a trigger specification for recurring or one-shot jobs.
type Schedule struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	WorkflowID     string            `json:"workflow_id"`
	RobotID        string            `json:"robot_id,omitempty"` // empty = any robot
	Frequency      ScheduleFrequency `json:"frequency"`
	CronExpression string            `json:"cron_expression,omitempty"` // required iff Frequency == cron
	Timezone       string            `json:"timezone,omitempty"`
	Enabled        bool              `json:"enabled"`
	Priority       JobPriority       `json:"priority"`
	RunAt          time.Time         `json:"run_at,omitempty"` // for one-shot schedules
	NextRun        time.Time         `json:"next_run,omitempty"`
	LastRun        time.Time         `json:"last_run,omitempty"`
	RunCount       int64             `json:"run_count"`
	SuccessCount   int64             `json:"success_count"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ScheduleFrequency defines how often a schedule fires
type ScheduleFrequency string

const (
	FrequencyOnce    ScheduleFrequency = "once"
	FrequencyHourly  ScheduleFrequency = "hourly"
	FrequencyDaily   ScheduleFrequency = "daily"
	FrequencyWeekly  ScheduleFrequency = "weekly"
	FrequencyMonthly ScheduleFrequency = "monthly" // fixed 30-day interval, not a calendar month
	FrequencyCron    ScheduleFrequency = "cron"
)

// SelectionStrategy names a load-balancing policy for robot selection
type SelectionStrategy string

const (
	StrategyRoundRobin      SelectionStrategy = "round_robin"
	StrategyLeastLoaded     SelectionStrategy = "least_loaded"
	StrategyRandom          SelectionStrategy = "random"
	StrategyCapabilityMatch SelectionStrategy = "capability_match"
	StrategyAffinity        SelectionStrategy = "affinity"
)

// DistributionRule is a declarative filter mapping jobs to robot subsets.
// The first rule whose pattern and environment match a job wins.
type DistributionRule struct {
	Name            string            `json:"name"`
	WorkflowPattern string            `json:"workflow_pattern"` // glob over workflow name
	RequiredTags    []string          `json:"required_tags,omitempty"`
	PreferredRobots []string          `json:"preferred_robots,omitempty"`
	ExcludedRobots  []string          `json:"excluded_robots,omitempty"`
	Environment     string            `json:"environment,omitempty"`
	Strategy        SelectionStrategy `json:"strategy,omitempty"`
	PriorityBoost   int               `json:"priority_boost,omitempty"`
}

// Heartbeat carries periodic robot telemetry.
type Heartbeat struct {
	RobotID       string    `json:"robot_id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	ActiveJobs    int       `json:"active_jobs"`
	Timestamp     time.Time `json:"timestamp"`
}

// DashboardMetrics aggregates fleet state for status readers.
type DashboardMetrics struct {
	TotalJobs     int            `json:"total_jobs"`
	JobsByStatus  map[string]int `json:"jobs_by_status"`
	TotalRobots   int            `json:"total_robots"`
	OnlineRobots  int            `json:"online_robots"`
	TotalSchedules int           `json:"total_schedules"`
	TotalWorkflows int           `json:"total_workflows"`
	AvgDurationMS int64          `json:"avg_duration_ms"`
}
