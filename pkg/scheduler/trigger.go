package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/drover-io/drover/pkg/types"
	"github.com/robfig/cron/v3"
)

// secondsParser accepts 6-field cron expressions with a leading seconds
// field; 5-field expressions go through cron.ParseStandard.
var secondsParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// onceTrigger fires exactly once at a fixed instant.
type onceTrigger struct {
	at time.Time
}

func (o onceTrigger) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// buildTrigger turns a schedule's frequency into a cron.Schedule.
//
// Monthly is a fixed 30-day interval, not a calendar month; schedules
// needing calendar-exact cadence should use a cron expression instead.
func buildTrigger(s *types.Schedule) (cron.Schedule, error) {
	switch s.Frequency {
	case types.FrequencyOnce:
		if s.RunAt.IsZero() {
			return nil, fmt.Errorf("one-shot schedule %s has no run time", s.ID)
		}
		return onceTrigger{at: s.RunAt}, nil
	case types.FrequencyHourly:
		return cron.Every(time.Hour), nil
	case types.FrequencyDaily:
		return cron.Every(24 * time.Hour), nil
	case types.FrequencyWeekly:
		return cron.Every(7 * 24 * time.Hour), nil
	case types.FrequencyMonthly:
		return cron.Every(30 * 24 * time.Hour), nil
	case types.FrequencyCron:
		return parseCron(s.CronExpression, s.Timezone)
	default:
		return nil, fmt.Errorf("unknown schedule frequency %q", s.Frequency)
	}
}

// parseCron handles 5-field and 6-field expressions, pinning the timezone
// when the schedule declares one.
func parseCron(expr, timezone string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty cron expression")
	}

	if timezone != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("invalid schedule timezone %q: %w", timezone, err)
		}
		expr = "CRON_TZ=" + timezone + " " + expr
	}

	fields := len(strings.Fields(expr))
	if strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		fields--
	}

	if fields == 6 {
		sched, err := secondsParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return sched, nil
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}
