package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/drover-io/drover/pkg/types"
)

var (
	bucketRobots    = []byte("robots")
	bucketJobs      = []byte("jobs")
	bucketWorkflows = []byte("workflows")
	bucketSchedules = []byte("schedules")
)

// BoltStore implements Store on a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "drover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRobots, bucketJobs, bucketWorkflows, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, id string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

func (s *BoltStore) get(bucket []byte, id string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, id, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

// Robot operations

func (s *BoltStore) SaveRobot(robot *types.Robot) error {
	return s.put(bucketRobots, robot.ID, robot)
}

func (s *BoltStore) GetRobot(id string) (*types.Robot, error) {
	var robot types.Robot
	if err := s.get(bucketRobots, id, &robot); err != nil {
		return nil, err
	}
	return &robot, nil
}

func (s *BoltStore) ListRobots() ([]*types.Robot, error) {
	var robots []*types.Robot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRobots).ForEach(func(k, v []byte) error {
			var robot types.Robot
			if err := json.Unmarshal(v, &robot); err != nil {
				return err
			}
			robots = append(robots, &robot)
			return nil
		})
	})
	return robots, err
}

func (s *BoltStore) UpdateRobotStatus(id string, status types.RobotStatus) error {
	robot, err := s.GetRobot(id)
	if err != nil {
		return err
	}
	robot.Status = status
	return s.SaveRobot(robot)
}

func (s *BoltStore) DeleteRobot(id string) error {
	return s.delete(bucketRobots, id)
}

// Job operations

func (s *BoltStore) SaveJob(job *types.Job) error {
	return s.put(bucketJobs, job.ID, job)
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	if err := s.get(bucketJobs, id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	return s.listJobs(func(*types.Job) bool { return true })
}

func (s *BoltStore) ListJobsByRobot(robotID string) ([]*types.Job, error) {
	return s.listJobs(func(j *types.Job) bool { return j.RobotID == robotID })
}

// GetJobHistory returns jobs created within the last n days, newest
// first.
func (s *BoltStore) GetJobHistory(days int) ([]*types.Job, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	jobs, err := s.listJobs(func(j *types.Job) bool { return j.CreatedAt.After(cutoff) })
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs, nil
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.delete(bucketJobs, id)
}

func (s *BoltStore) listJobs(keep func(*types.Job) bool) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if keep(&job) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

// Workflow operations

func (s *BoltStore) SaveWorkflow(workflow *types.Workflow) error {
	return s.put(bucketWorkflows, workflow.ID, workflow)
}

func (s *BoltStore) GetWorkflow(id string) (*types.Workflow, error) {
	var workflow types.Workflow
	if err := s.get(bucketWorkflows, id, &workflow); err != nil {
		return nil, err
	}
	return &workflow, nil
}

func (s *BoltStore) GetWorkflowByName(name string) (*types.Workflow, error) {
	workflows, err := s.ListWorkflows()
	if err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		if wf.Name == name {
			return wf, nil
		}
	}
	return nil, fmt.Errorf("workflow %s: %w", name, ErrNotFound)
}

func (s *BoltStore) ListWorkflows() ([]*types.Workflow, error) {
	var workflows []*types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var wf types.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			workflows = append(workflows, &wf)
			return nil
		})
	})
	return workflows, err
}

func (s *BoltStore) DeleteWorkflow(id string) error {
	return s.delete(bucketWorkflows, id)
}

// Schedule operations

func (s *BoltStore) SaveSchedule(schedule *types.Schedule) error {
	return s.put(bucketSchedules, schedule.ID, schedule)
}

func (s *BoltStore) GetSchedule(id string) (*types.Schedule, error) {
	var schedule types.Schedule
	if err := s.get(bucketSchedules, id, &schedule); err != nil {
		return nil, err
	}
	return &schedule, nil
}

func (s *BoltStore) ListSchedules() ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sched types.Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			schedules = append(schedules, &sched)
			return nil
		})
	})
	return schedules, err
}

func (s *BoltStore) ToggleSchedule(id string, enabled bool) error {
	schedule, err := s.GetSchedule(id)
	if err != nil {
		return err
	}
	schedule.Enabled = enabled
	return s.SaveSchedule(schedule)
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.delete(bucketSchedules, id)
}

// GetDashboardMetrics aggregates fleet counters from the stored state.
func (s *BoltStore) GetDashboardMetrics() (*types.DashboardMetrics, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	robots, err := s.ListRobots()
	if err != nil {
		return nil, err
	}
	schedules, err := s.ListSchedules()
	if err != nil {
		return nil, err
	}
	workflows, err := s.ListWorkflows()
	if err != nil {
		return nil, err
	}
	return aggregateMetrics(jobs, robots, len(schedules), len(workflows)), nil
}

// aggregateMetrics is shared by both backends.
func aggregateMetrics(jobs []*types.Job, robots []*types.Robot, schedules, workflows int) *types.DashboardMetrics {
	m := &types.DashboardMetrics{
		TotalJobs:      len(jobs),
		JobsByStatus:   make(map[string]int),
		TotalRobots:    len(robots),
		TotalSchedules: schedules,
		TotalWorkflows: workflows,
	}

	var totalDuration int64
	var finished int64
	for _, j := range jobs {
		m.JobsByStatus[string(j.Status)]++
		if j.DurationMS > 0 {
			totalDuration += j.DurationMS
			finished++
		}
	}
	if finished > 0 {
		m.AvgDurationMS = totalDuration / finished
	}

	for _, r := range robots {
		if r.Status == types.RobotStatusOnline {
			m.OnlineRobots++
		}
	}
	return m
}
