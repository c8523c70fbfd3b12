package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/types"
)

// FileStore implements Store with one JSON file per entity type. State
// is held in memory and every mutation rewrites the affected file via a
// temp-file rename, so a crash never leaves a half-written file behind.
// Suited to small fleets and tests; larger deployments use BoltStore.
type FileStore struct {
	mu  sync.Mutex
	dir string

	robots    map[string]*types.Robot
	jobs      map[string]*types.Job
	workflows map[string]*types.Workflow
	schedules map[string]*types.Schedule
}

// NewFileStore loads (or initializes) the JSON files under dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &FileStore{
		dir:       dataDir,
		robots:    make(map[string]*types.Robot),
		jobs:      make(map[string]*types.Job),
		workflows: make(map[string]*types.Workflow),
		schedules: make(map[string]*types.Schedule),
	}

	if err := loadFile(s.path("robots"), &s.robots); err != nil {
		return nil, err
	}
	if err := loadFile(s.path("jobs"), &s.jobs); err != nil {
		return nil, err
	}
	if err := loadFile(s.path("workflows"), &s.workflows); err != nil {
		return nil, err
	}
	if err := loadFile(s.path("schedules"), &s.schedules); err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(entity string) string {
	return filepath.Join(s.dir, entity+".json")
}

func loadFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// writeFile persists v atomically. Caller holds s.mu.
func (s *FileStore) writeFile(entity string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	path := s.path(entity)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// Robot operations

func (s *FileStore) SaveRobot(robot *types.Robot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *robot
	s.robots[robot.ID] = &clone
	return s.writeFile("robots", s.robots)
}

func (s *FileStore) GetRobot(id string) (*types.Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	robot, ok := s.robots[id]
	if !ok {
		return nil, fmt.Errorf("robot %s: %w", id, ErrNotFound)
	}
	clone := *robot
	return &clone, nil
}

func (s *FileStore) ListRobots() ([]*types.Robot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Robot, 0, len(s.robots))
	for _, r := range s.robots {
		clone := *r
		out = append(out, &clone)
	}
	return out, nil
}

func (s *FileStore) UpdateRobotStatus(id string, status types.RobotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	robot, ok := s.robots[id]
	if !ok {
		return fmt.Errorf("robot %s: %w", id, ErrNotFound)
	}
	robot.Status = status
	return s.writeFile("robots", s.robots)
}

func (s *FileStore) DeleteRobot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.robots, id)
	return s.writeFile("robots", s.robots)
}

// Job operations

func (s *FileStore) SaveJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	return s.writeFile("jobs", s.jobs)
}

func (s *FileStore) GetJob(id string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	clone := *job
	return &clone, nil
}

func (s *FileStore) ListJobs() ([]*types.Job, error) {
	return s.filterJobs(func(*types.Job) bool { return true }), nil
}

func (s *FileStore) ListJobsByRobot(robotID string) ([]*types.Job, error) {
	return s.filterJobs(func(j *types.Job) bool { return j.RobotID == robotID }), nil
}

func (s *FileStore) GetJobHistory(days int) ([]*types.Job, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	jobs := s.filterJobs(func(j *types.Job) bool { return j.CreatedAt.After(cutoff) })
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs, nil
}

func (s *FileStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return s.writeFile("jobs", s.jobs)
}

func (s *FileStore) filterJobs(keep func(*types.Job) bool) []*types.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Job
	for _, j := range s.jobs {
		if keep(j) {
			clone := *j
			out = append(out, &clone)
		}
	}
	return out
}

// Workflow operations

func (s *FileStore) SaveWorkflow(workflow *types.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *workflow
	s.workflows[workflow.ID] = &clone
	return s.writeFile("workflows", s.workflows)
}

func (s *FileStore) GetWorkflow(id string) (*types.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	clone := *wf
	return &clone, nil
}

func (s *FileStore) GetWorkflowByName(name string) (*types.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wf := range s.workflows {
		if wf.Name == name {
			clone := *wf
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("workflow %s: %w", name, ErrNotFound)
}

func (s *FileStore) ListWorkflows() ([]*types.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		clone := *wf
		out = append(out, &clone)
	}
	return out, nil
}

func (s *FileStore) DeleteWorkflow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
	return s.writeFile("workflows", s.workflows)
}

// Schedule operations

func (s *FileStore) SaveSchedule(schedule *types.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *schedule
	s.schedules[schedule.ID] = &clone
	return s.writeFile("schedules", s.schedules)
}

func (s *FileStore) GetSchedule(id string) (*types.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	clone := *sched
	return &clone, nil
}

func (s *FileStore) ListSchedules() ([]*types.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		clone := *sched
		out = append(out, &clone)
	}
	return out, nil
}

func (s *FileStore) ToggleSchedule(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	sched.Enabled = enabled
	return s.writeFile("schedules", s.schedules)
}

func (s *FileStore) DeleteSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return s.writeFile("schedules", s.schedules)
}

func (s *FileStore) GetDashboardMetrics() (*types.DashboardMetrics, error) {
	jobs, _ := s.ListJobs()
	robots, _ := s.ListRobots()

	s.mu.Lock()
	schedules, workflows := len(s.schedules), len(s.workflows)
	s.mu.Unlock()

	return aggregateMetrics(jobs, robots, schedules, workflows), nil
}
