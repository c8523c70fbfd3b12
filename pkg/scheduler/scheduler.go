package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/types"
	"github.com/robfig/cron/v3"
)

// DefaultMisfireGrace is how late a firing may run before it is skipped
// and the schedule advances to its next slot.
const DefaultMisfireGrace = time.Minute

// FireFunc is invoked when a schedule fires. A nil return increments the
// schedule's success count.
type FireFunc func(schedule *types.Schedule) error

// Config tunes the scheduler loop.
type Config struct {
	TickInterval time.Duration // how often due schedules are checked (default 1s)
	MisfireGrace time.Duration // tolerated lateness before a firing is skipped
}

// Scheduler fires schedules at their computed times. Each schedule owns a
// trigger; firings are throttled to one concurrent execution per schedule,
// and firings missed beyond the misfire grace coalesce into the next slot.
type Scheduler struct {
	mu       sync.Mutex
	entries  map[string]*entry
	fire     FireFunc
	tick     time.Duration
	grace    time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
}

type entry struct {
	schedule *types.Schedule
	trigger  cron.Schedule
	inFlight bool
}

// New creates a scheduler that invokes fire for each due schedule.
func New(fire FireFunc, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	return &Scheduler{
		entries: make(map[string]*entry),
		fire:    fire,
		tick:    cfg.TickInterval,
		grace:   cfg.MisfireGrace,
		stopCh:  make(chan struct{}),
	}
}

// Add registers a schedule and computes its next run. An invalid trigger
// (bad cron expression, one-shot without a time) is rejected so the caller
// can skip the offending item and continue.
func (s *Scheduler) Add(schedule *types.Schedule) error {
	trigger, err := buildTrigger(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if schedule.Enabled {
		schedule.NextRun = trigger.Next(time.Now())
	}
	s.entries[schedule.ID] = &entry{schedule: schedule, trigger: trigger}
	return nil
}

// Remove unregisters a schedule.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// SetEnabled toggles a schedule, recomputing next run on enable.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("schedule not found: %s", id)
	}
	e.schedule.Enabled = enabled
	if enabled {
		e.schedule.NextRun = e.trigger.Next(time.Now())
	} else {
		e.schedule.NextRun = time.Time{}
	}
	return nil
}

// Schedule returns the tracked schedule by id.
func (s *Scheduler) Schedule(id string) (*types.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.schedule, true
}

// Schedules returns a snapshot of every tracked schedule.
func (s *Scheduler) Schedules() []*types.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.schedule)
	}
	return out
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop halts the loop and waits for in-flight firings to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkDue(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// checkDue fires every due schedule. A firing later than the misfire
// grace is skipped: missed slots coalesce into the single next one.
func (s *Scheduler) checkDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := log.WithComponent("scheduler")
	for _, e := range s.entries {
		sched := e.schedule
		if !sched.Enabled || e.inFlight || sched.NextRun.IsZero() || now.Before(sched.NextRun) {
			continue
		}

		if now.Sub(sched.NextRun) > s.grace {
			logger.Warn().
				Str("schedule_id", sched.ID).
				Time("missed", sched.NextRun).
				Msg("missed firing beyond grace, coalescing")
			sched.NextRun = e.trigger.Next(now)
			continue
		}

		e.inFlight = true
		sched.LastRun = now
		sched.RunCount++
		sched.NextRun = e.trigger.Next(now)

		s.wg.Add(1)
		go s.invoke(e, sched)
	}
}

// invoke runs the fire callback outside the scheduler lock.
func (s *Scheduler) invoke(e *entry, sched *types.Schedule) {
	defer s.wg.Done()

	err := s.fire(sched)

	s.mu.Lock()
	e.inFlight = false
	if err == nil {
		sched.SuccessCount++
	}
	if sched.Frequency == types.FrequencyOnce {
		sched.Enabled = false
		sched.NextRun = time.Time{}
	}
	s.mu.Unlock()

	if err != nil {
		log.WithScheduleID(sched.ID).Error().Err(err).Msg("schedule fire failed")
	}
}
