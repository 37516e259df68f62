package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/civiltime"
	"github.com/openparl/commons-tracker/internal/parliament"
)

// Recurring wraps a handler so that every successful execution computes
// its own next run and re-enqueues itself under its stable key. A
// failed re-scheduling never fails the job: the handler's side effects
// have already committed, and re-running them to fix scheduling would
// duplicate them. The daily re-scheduling sweep will repair the gap.
type Recurring struct {
	inner    Handler
	key      string
	schedule civiltime.Schedule
	rules    civiltime.Rules
	clock    parliament.Clock
}

// NewRecurring wraps inner with self-rescheduling under key.
func NewRecurring(inner Handler, key string, schedule civiltime.Schedule, rules civiltime.Rules, clock parliament.Clock) *Recurring {
	return &Recurring{
		inner:    inner,
		key:      key,
		schedule: schedule,
		rules:    rules,
		clock:    clock,
	}
}

// Task implements Handler.
func (r *Recurring) Task() string { return r.inner.Task() }

// Handle implements Handler.
func (r *Recurring) Handle(ctx context.Context, ec ExecContext) error {
	if err := r.inner.Handle(ctx, ec); err != nil {
		return err
	}

	next := civiltime.NextRun(r.schedule, r.rules, r.clock.Now())
	if err := ec.Schedule(ctx, r.key, r.inner.Task(), nil, next); err != nil {
		// Warning only: the job's work is done and must not retry.
		ec.Logger.Warn("self-reschedule failed",
			zap.String("job_key", r.key),
			zap.Time("next_run", next),
			zap.Error(err),
		)
		return nil
	}
	ec.Logger.Info("rescheduled", zap.String("job_key", r.key), zap.Time("next_run", next))
	return nil
}

// Bootstrap seeds the pending instance of every recurring job at
// process startup, replacing any stale pending rows. Safe to call on
// every boot.
func Bootstrap(ctx context.Context, queue Queue, clock parliament.Clock, rules civiltime.Rules, entries map[string]ScheduledTask) error {
	now := clock.Now()
	for key, entry := range entries {
		next := civiltime.NextRun(entry.Schedule, rules, now)
		if err := queue.ScheduleReplace(ctx, key, entry.TaskName, nil, next); err != nil {
			return err
		}
	}
	return nil
}

// ScheduledTask pairs a task name with its recurring schedule.
type ScheduledTask struct {
	TaskName string
	Schedule civiltime.Schedule
}
