package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/civiltime"
	"github.com/openparl/commons-tracker/internal/errtrack"
)

type fakeQueue struct {
	mu sync.Mutex

	pending   []Job
	completed []int64
	retried   []Job
	failed    []int64
	scheduled map[string]Job
	enqueued  []Job

	scheduleErr error
	// honorCtx makes bookkeeping fail on a canceled context, the way
	// a pgx-backed queue does.
	honorCtx bool
	nextID   int64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{scheduled: map[string]Job{}}
}

func (q *fakeQueue) ScheduleReplace(_ context.Context, key, taskName string, _ any, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.scheduleErr != nil {
		return q.scheduleErr
	}
	q.nextID++
	q.scheduled[key] = Job{ID: q.nextID, JobKey: key, TaskName: taskName, RunAt: runAt}
	return nil
}

func (q *fakeQueue) Enqueue(_ context.Context, taskName string, _ any, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.enqueued = append(q.enqueued, Job{ID: q.nextID, TaskName: taskName, RunAt: runAt})
	return nil
}

func (q *fakeQueue) Claim(_ context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.pending) {
		limit = len(q.pending)
	}
	claimed := q.pending[:limit]
	q.pending = q.pending[limit:]
	return claimed, nil
}

func (q *fakeQueue) Complete(ctx context.Context, jobID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.honorCtx {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *fakeQueue) Retry(ctx context.Context, jobID int64, runAt time.Time, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.honorCtx {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	q.retried = append(q.retried, Job{ID: jobID, RunAt: runAt})
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, jobID int64, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, jobID)
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	h := HandlerFunc{Name: "scrape-members", Fn: func(context.Context, ExecContext) error { return nil }}
	require.NoError(t, r.Register(h))
	require.Error(t, r.Register(h))

	got, ok := r.Lookup("scrape-members")
	require.True(t, ok)
	require.Equal(t, "scrape-members", got.Task())
}

func TestDispatcherCompletesSuccessfulJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newFakeQueue()
	queue.pending = []Job{{ID: 1, TaskName: "noop", JobKey: "noop-key"}}

	var ran int
	registry := NewRegistry()
	registry.MustRegister(HandlerFunc{Name: "noop", Fn: func(context.Context, ExecContext) error {
		ran++
		return nil
	}})

	d := NewDispatcher(queue, registry, errtrack.Nop{}, DispatcherConfig{
		PollInterval: 5 * time.Millisecond,
		Concurrency:  2,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.completed) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	require.Equal(t, 1, ran)
	require.Equal(t, []int64{1}, queue.completed)
}

func TestDispatcherDrainsInflightJobOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newFakeQueue()
	queue.honorCtx = true
	queue.pending = []Job{{ID: 1, TaskName: "slow"}}

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerErr error
	registry := NewRegistry()
	registry.MustRegister(HandlerFunc{Name: "slow", Fn: func(ctx context.Context, _ ExecContext) error {
		close(started)
		select {
		case <-ctx.Done():
			handlerErr = ctx.Err()
		case <-release:
		}
		return handlerErr
	}})

	d := NewDispatcher(queue, registry, errtrack.Nop{}, DispatcherConfig{
		PollInterval: 5 * time.Millisecond,
		Concurrency:  1,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	// Shut down while the job is running. The handler must not see
	// the cancellation and its completion must still reach the queue.
	<-started
	cancel()
	close(release)
	<-done

	require.NoError(t, handlerErr)
	require.Equal(t, []int64{1}, queue.completed)
	require.Empty(t, queue.retried)
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newFakeQueue()
	queue.pending = []Job{
		{ID: 1, TaskName: "boom", Attempts: 0},
		{ID: 2, TaskName: "boom", Attempts: 2},
	}

	registry := NewRegistry()
	registry.MustRegister(HandlerFunc{Name: "boom", Fn: func(context.Context, ExecContext) error {
		return errors.New("upstream unavailable")
	}})

	d := NewDispatcher(queue, registry, errtrack.Nop{}, DispatcherConfig{
		PollInterval: 5 * time.Millisecond,
		Concurrency:  2,
		MaxAttempts:  3,
		RetryBackoff: time.Minute,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.retried) == 1 && len(queue.failed) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// First attempt backs off by the base interval; the third strike
	// is marked permanently failed.
	require.Equal(t, int64(1), queue.retried[0].ID)
	require.WithinDuration(t, time.Now().UTC().Add(time.Minute), queue.retried[0].RunAt, 5*time.Second)
	require.Equal(t, []int64{2}, queue.failed)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newFakeQueue()
	queue.pending = []Job{{ID: 7, TaskName: "panicky", Attempts: 2}}

	registry := NewRegistry()
	registry.MustRegister(HandlerFunc{Name: "panicky", Fn: func(context.Context, ExecContext) error {
		panic("nil map write")
	}})

	d := NewDispatcher(queue, registry, errtrack.Nop{}, DispatcherConfig{
		PollInterval: 5 * time.Millisecond,
		Concurrency:  1,
		MaxAttempts:  3,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.failed) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRecurringReschedulesAfterSuccess(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	clock := fixedClock{now: time.Date(2025, time.August, 29, 12, 0, 0, 0, time.UTC)}
	schedule, err := civiltime.ParseSchedule("02 00")
	require.NoError(t, err)

	inner := HandlerFunc{Name: "scrape-members", Fn: func(context.Context, ExecContext) error { return nil }}
	rec := NewRecurring(inner, "scrape-members-recurring", schedule, civiltime.Eastern(), clock)

	ec := ExecContext{
		Job:      Job{ID: 1, TaskName: "scrape-members", JobKey: "scrape-members-recurring"},
		Logger:   zap.NewNop(),
		Schedule: queue.ScheduleReplace,
	}
	require.NoError(t, rec.Handle(context.Background(), ec))

	next, ok := queue.scheduled["scrape-members-recurring"]
	require.True(t, ok)
	require.Equal(t, "scrape-members", next.TaskName)
	// 02:00 Eastern during daylight saving is 06:00 UTC the next day.
	require.Equal(t, time.Date(2025, time.August, 30, 6, 0, 0, 0, time.UTC), next.RunAt)
}

func TestRecurringRescheduleFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	queue.scheduleErr = errors.New("connection reset")
	clock := fixedClock{now: time.Date(2025, time.August, 29, 12, 0, 0, 0, time.UTC)}
	schedule, err := civiltime.ParseSchedule("02 00")
	require.NoError(t, err)

	inner := HandlerFunc{Name: "scrape-votes", Fn: func(context.Context, ExecContext) error { return nil }}
	rec := NewRecurring(inner, "scrape-votes-recurring", schedule, civiltime.Eastern(), clock)

	ec := ExecContext{
		Job:      Job{ID: 1, TaskName: "scrape-votes"},
		Logger:   zap.NewNop(),
		Schedule: queue.ScheduleReplace,
	}
	require.NoError(t, rec.Handle(context.Background(), ec))
}

func TestRecurringPropagatesInnerFailure(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	clock := fixedClock{now: time.Date(2025, time.August, 29, 12, 0, 0, 0, time.UTC)}
	schedule, err := civiltime.ParseSchedule("02 00")
	require.NoError(t, err)

	sentinel := errors.New("scrape failed")
	inner := HandlerFunc{Name: "scrape-bills", Fn: func(context.Context, ExecContext) error { return sentinel }}
	rec := NewRecurring(inner, "scrape-bills-recurring", schedule, civiltime.Eastern(), clock)

	ec := ExecContext{
		Job:      Job{ID: 1, TaskName: "scrape-bills"},
		Logger:   zap.NewNop(),
		Schedule: queue.ScheduleReplace,
	}
	require.ErrorIs(t, rec.Handle(context.Background(), ec), sentinel)
	require.Empty(t, queue.scheduled)
}

func TestBootstrapSeedsAllEntries(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	clock := fixedClock{now: time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)}
	members, err := civiltime.ParseSchedule("02 00")
	require.NoError(t, err)
	votes, err := civiltime.ParseSchedule("03 00")
	require.NoError(t, err)

	entries := map[string]ScheduledTask{
		"scrape-members-recurring": {TaskName: "scrape-members", Schedule: members},
		"scrape-votes-recurring":   {TaskName: "scrape-votes", Schedule: votes},
	}
	require.NoError(t, Bootstrap(context.Background(), queue, clock, civiltime.Eastern(), entries))
	require.Len(t, queue.scheduled, 2)
	// January is standard time, UTC-5.
	require.Equal(t, time.Date(2025, time.January, 16, 7, 0, 0, 0, time.UTC),
		queue.scheduled["scrape-members-recurring"].RunAt)
}

func TestHandlerFuncAdapts(t *testing.T) {
	t.Parallel()

	called := false
	h := HandlerFunc{Name: "t", Fn: func(context.Context, ExecContext) error {
		called = true
		return nil
	}}
	require.Equal(t, "t", h.Task())
	require.NoError(t, h.Handle(context.Background(), ExecContext{}))
	require.True(t, called)
}
