package scheduler

import (
	"errors"
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

func cronSchedule(id, expr, tz string) *types.Schedule {
	return &types.Schedule{
		ID:             id,
		Name:           "sched-" + id,
		Frequency:      types.FrequencyCron,
		CronExpression: expr,
		Timezone:       tz,
		Enabled:        true,
		Priority:       types.PriorityNormal,
	}
}

func TestCronTriggerWeekdayMornings(t *testing.T) {
	trigger, err := buildTrigger(cronSchedule("s1", "0 9 * * MON-FRI", "UTC"))
	require.NoError(t, err)

	// Monday 08:30 UTC.
	now := time.Date(2025, 1, 6, 8, 30, 0, 0, time.UTC)

	first := trigger.Next(now)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), first)

	second := trigger.Next(first)
	assert.Equal(t, time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC), second)
}

func TestCronTriggerTimezone(t *testing.T) {
	trigger, err := buildTrigger(cronSchedule("s1", "0 9 * * *", "America/New_York"))
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC) // 07:00 in New York
	next := trigger.Next(now)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, loc).UTC(), next.UTC())
}

func TestCronTriggerSixFields(t *testing.T) {
	trigger, err := buildTrigger(cronSchedule("s1", "*/30 * * * * *", ""))
	require.NoError(t, err)

	now := time.Date(2025, 1, 6, 8, 0, 10, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 1, 6, 8, 0, 30, 0, time.UTC), trigger.Next(now))
}

func TestBuildTriggerRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		schedule *types.Schedule
	}{
		{"bad cron expression", cronSchedule("s1", "not a cron", "")},
		{"bad timezone", cronSchedule("s2", "0 9 * * *", "Mars/Olympus")},
		{"empty cron expression", cronSchedule("s3", "  ", "")},
		{"one-shot without run time", &types.Schedule{ID: "s4", Frequency: types.FrequencyOnce}},
		{"unknown frequency", &types.Schedule{ID: "s5", Frequency: "fortnightly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildTrigger(tt.schedule)
			assert.Error(t, err)
		})
	}
}

func TestOnceTrigger(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	trigger := onceTrigger{at: at}

	assert.Equal(t, at, trigger.Next(at.Add(-time.Hour)))
	assert.True(t, trigger.Next(at).IsZero())
	assert.True(t, trigger.Next(at.Add(time.Hour)).IsZero())
}

func TestIntervalTriggers(t *testing.T) {
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		frequency types.ScheduleFrequency
		want      time.Time
	}{
		{types.FrequencyHourly, now.Add(time.Hour)},
		{types.FrequencyDaily, now.Add(24 * time.Hour)},
		{types.FrequencyWeekly, now.Add(7 * 24 * time.Hour)},
		{types.FrequencyMonthly, now.Add(30 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(string(tt.frequency), func(t *testing.T) {
			trigger, err := buildTrigger(&types.Schedule{ID: "s1", Frequency: tt.frequency})
			require.NoError(t, err)
			assert.Equal(t, tt.want, trigger.Next(now))
		})
	}
}

func TestAddComputesNextRun(t *testing.T) {
	s := New(func(*types.Schedule) error { return nil }, Config{})

	enabled := cronSchedule("s1", "0 9 * * *", "UTC")
	require.NoError(t, s.Add(enabled))
	assert.False(t, enabled.NextRun.IsZero())

	disabled := cronSchedule("s2", "0 9 * * *", "UTC")
	disabled.Enabled = false
	require.NoError(t, s.Add(disabled))
	assert.True(t, disabled.NextRun.IsZero())

	assert.Error(t, s.Add(cronSchedule("s3", "bogus", "")))
	assert.Len(t, s.Schedules(), 2)
}

func TestSetEnabled(t *testing.T) {
	s := New(func(*types.Schedule) error { return nil }, Config{})

	sched := cronSchedule("s1", "0 9 * * *", "UTC")
	require.NoError(t, s.Add(sched))

	require.NoError(t, s.SetEnabled("s1", false))
	assert.False(t, sched.Enabled)
	assert.True(t, sched.NextRun.IsZero())

	require.NoError(t, s.SetEnabled("s1", true))
	assert.True(t, sched.Enabled)
	assert.False(t, sched.NextRun.IsZero())

	assert.Error(t, s.SetEnabled("missing", true))
}

func TestRemove(t *testing.T) {
	s := New(func(*types.Schedule) error { return nil }, Config{})
	require.NoError(t, s.Add(cronSchedule("s1", "0 9 * * *", "UTC")))

	s.Remove("s1")
	_, ok := s.Schedule("s1")
	assert.False(t, ok)
}

func TestCheckDueFiresAndAdvances(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []string
	)
	s := New(func(sched *types.Schedule) error {
		mu.Lock()
		fired = append(fired, sched.ID)
		mu.Unlock()
		return nil
	}, Config{})

	sched := cronSchedule("s1", "0 9 * * *", "UTC")
	require.NoError(t, s.Add(sched))

	now := sched.NextRun.Add(time.Second)
	s.checkDue(now)
	s.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"s1"}, fired)
	assert.Equal(t, now, sched.LastRun)
	assert.Equal(t, int64(1), sched.RunCount)
	assert.Equal(t, int64(1), sched.SuccessCount)
	assert.True(t, sched.NextRun.After(now))
}

func TestCheckDueFailureCountsRunOnly(t *testing.T) {
	s := New(func(*types.Schedule) error { return errors.New("downstream rejected") }, Config{})

	sched := cronSchedule("s1", "0 9 * * *", "UTC")
	require.NoError(t, s.Add(sched))

	s.checkDue(sched.NextRun.Add(time.Second))
	s.wg.Wait()

	assert.Equal(t, int64(1), sched.RunCount)
	assert.Equal(t, int64(0), sched.SuccessCount)
}

func TestCheckDueSkipsDisabledAndFuture(t *testing.T) {
	s := New(func(*types.Schedule) error {
		t.Error("fire should not be called")
		return nil
	}, Config{})

	future := cronSchedule("s1", "0 9 * * *", "UTC")
	require.NoError(t, s.Add(future))

	disabled := cronSchedule("s2", "0 9 * * *", "UTC")
	disabled.Enabled = false
	require.NoError(t, s.Add(disabled))

	s.checkDue(time.Now())
	s.wg.Wait()

	assert.Equal(t, int64(0), future.RunCount)
	assert.Equal(t, int64(0), disabled.RunCount)
}

func TestMisfireCoalesces(t *testing.T) {
	s := New(func(*types.Schedule) error {
		t.Error("missed firing should be skipped, not fired")
		return nil
	}, Config{})

	sched := cronSchedule("s1", "0 9 * * *", "UTC")
	require.NoError(t, s.Add(sched))

	// Pretend the process slept through the slot by two minutes, past
	// the default one-minute grace.
	now := sched.NextRun.Add(2 * time.Minute)
	s.checkDue(now)
	s.wg.Wait()

	assert.Equal(t, int64(0), sched.RunCount)
	assert.True(t, sched.NextRun.After(now))
}

func TestOnceScheduleDisablesAfterFiring(t *testing.T) {
	s := New(func(*types.Schedule) error { return nil }, Config{})

	runAt := time.Now().Add(time.Hour)
	sched := &types.Schedule{
		ID:        "s1",
		Frequency: types.FrequencyOnce,
		RunAt:     runAt,
		Enabled:   true,
	}
	require.NoError(t, s.Add(sched))
	assert.Equal(t, runAt, sched.NextRun)

	s.checkDue(runAt.Add(time.Second))
	s.wg.Wait()

	assert.Equal(t, int64(1), sched.RunCount)
	assert.False(t, sched.Enabled)
	assert.True(t, sched.NextRun.IsZero())
}

func TestInFlightScheduleNotRefired(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := New(func(*types.Schedule) error {
		started <- struct{}{}
		<-release
		return nil
	}, Config{})

	sched := cronSchedule("s1", "0 9 * * *", "UTC")
	require.NoError(t, s.Add(sched))

	due := sched.NextRun.Add(time.Second)
	s.checkDue(due)
	<-started

	// Force the slot back while the first firing is still running.
	s.mu.Lock()
	sched.NextRun = due
	s.mu.Unlock()

	s.checkDue(due)

	close(release)
	s.wg.Wait()

	assert.Equal(t, int64(1), sched.RunCount)
}

func TestStartStopLoop(t *testing.T) {
	fired := make(chan string, 1)
	s := New(func(sched *types.Schedule) error {
		fired <- sched.ID
		return nil
	}, Config{TickInterval: 5 * time.Millisecond})

	sched := &types.Schedule{
		ID:        "s1",
		Frequency: types.FrequencyOnce,
		RunAt:     time.Now().Add(20 * time.Millisecond),
		Enabled:   true,
	}
	require.NoError(t, s.Add(sched))

	s.Start()
	defer s.Stop()

	select {
	case id := <-fired:
		assert.Equal(t, "s1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never fired")
	}
}
