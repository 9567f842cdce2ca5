package scheduler

import (
	"fmt"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/robfig/cron/v3"
)

// nextFunc computes the occurrence following prev.
type nextFunc func(prev time.Time, cronExpr string) (time.Time, error)

var recurrences = map[api.ScheduleType]nextFunc{
	api.ScheduleDaily: func(prev time.Time, _ string) (time.Time, error) {
		return prev.Add(24 * time.Hour), nil
	},
	api.ScheduleWeekly: func(prev time.Time, _ string) (time.Time, error) {
		return prev.Add(7 * 24 * time.Hour), nil
	},
	api.ScheduleCron: func(prev time.Time, expr string) (time.Time, error) {
		sched, err := ParseCron(expr)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(prev)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression %q never fires after %s", expr, prev.Format(time.RFC3339))
		}
		return next, nil
	},
}

// ParseCron parses a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron_expression is required for cron schedules")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// FirstRun validates a schedule and returns when the first occurrence is due.
// A nil time means the task is runnable right away.
func FirstRun(st api.ScheduleType, scheduledAt *time.Time, cronExpr string, now time.Time) (*time.Time, error) {
	switch st {
	case api.ScheduleImmediate:
		return nil, nil
	case api.ScheduleOnce, api.ScheduleDaily, api.ScheduleWeekly:
		if scheduledAt == nil {
			return nil, fmt.Errorf("scheduled_at is required for %s schedules", st)
		}
		at := scheduledAt.UTC()
		return &at, nil
	case api.ScheduleCron:
		sched, err := ParseCron(cronExpr)
		if err != nil {
			return nil, err
		}
		if scheduledAt != nil {
			at := scheduledAt.UTC()
			return &at, nil
		}
		at := sched.Next(now).UTC()
		return &at, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", st)
	}
}

// NextRun returns when the successor of a recurring task is due. The base is the
// task's own scheduled time so occurrences do not drift with execution length.
func NextRun(t *store.Task) (time.Time, error) {
	next, ok := recurrences[t.ScheduleType]
	if !ok {
		return time.Time{}, fmt.Errorf("schedule type %q does not recur", t.ScheduleType)
	}
	prev := t.CreatedAt
	if t.ScheduledAt != nil {
		prev = *t.ScheduledAt
	}
	at, err := next(prev.UTC(), t.CronExpression)
	if err != nil {
		return time.Time{}, err
	}
	return at.UTC(), nil
}
