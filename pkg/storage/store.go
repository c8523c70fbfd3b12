package storage

import (
	"errors"

	"github.com/drover-io/drover/pkg/types"
)

// ErrNotFound is wrapped by lookups that miss.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract. Writes are idempotent upserts keyed
// by id. The engine is the only caller; components never reach the store
// directly.
type Store interface {
	// Robots
	SaveRobot(robot *types.Robot) error
	GetRobot(id string) (*types.Robot, error)
	ListRobots() ([]*types.Robot, error)
	UpdateRobotStatus(id string, status types.RobotStatus) error
	DeleteRobot(id string) error

	// Jobs
	SaveJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByRobot(robotID string) ([]*types.Job, error)
	GetJobHistory(days int) ([]*types.Job, error)
	DeleteJob(id string) error

	// Workflows
	SaveWorkflow(workflow *types.Workflow) error
	GetWorkflow(id string) (*types.Workflow, error)
	GetWorkflowByName(name string) (*types.Workflow, error)
	ListWorkflows() ([]*types.Workflow, error)
	DeleteWorkflow(id string) error

	// Schedules
	SaveSchedule(schedule *types.Schedule) error
	GetSchedule(id string) (*types.Schedule, error)
	ListSchedules() ([]*types.Schedule, error)
	ToggleSchedule(id string, enabled bool) error
	DeleteSchedule(id string) error

	// Aggregates
	GetDashboardMetrics() (*types.DashboardMetrics, error)

	Close() error
}
