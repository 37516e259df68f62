// Package tasks binds the scrapers, score engine, and digest pipeline
// to named queue tasks, and registers each recurring task with its
// self-rescheduling wrapper.
package tasks

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/civiltime"
	"github.com/openparl/commons-tracker/internal/digest"
	"github.com/openparl/commons-tracker/internal/jobs"
	"github.com/openparl/commons-tracker/internal/parliament"
	"github.com/openparl/commons-tracker/internal/scores"
	"github.com/openparl/commons-tracker/internal/scraper"
	"github.com/openparl/commons-tracker/internal/scraper/sources"
)

// Task names, stable across releases because queue rows reference them.
const (
	TaskScrapeMembers       = "scrape-members"
	TaskScrapeMemberDetails = "scrape-member-details"
	TaskScrapeVotes         = "scrape-votes"
	TaskScrapeBills         = "scrape-bills"
	TaskScrapeExpenses      = "scrape-expenses"
	TaskScrapePetitions     = "scrape-petitions"
	TaskScrapeCommittees    = "scrape-committees"
	TaskRecomputeScores     = "recompute-scores"
	TaskSendDigest          = "send-weekly-digest"
)

// RecurringKey is the stable queue key for a task's periodic instance.
// Chained ad-hoc runs are enqueued keyless so they never race the
// re-scheduler.
func RecurringKey(task string) string {
	return task + "-recurring"
}

// Deps bundles everything the handlers execute against.
type Deps struct {
	Runner        *scraper.Runner
	Members       *sources.MemberListSource
	MemberDetails *sources.MemberDetailSource
	Votes         *sources.VotesSource
	Bills         *sources.BillsSource
	Expenses      *sources.ExpensesSource
	Petitions     *sources.PetitionsSource
	Committees    *sources.CommitteesSource
	Scores        *scores.Engine
	Digest        *digest.Pipeline
	Clock         parliament.Clock
	Rules         civiltime.Rules
	Logger        *zap.Logger
}

// Schedules maps each recurring task to its civil-time schedule.
type Schedules struct {
	Members    civiltime.Schedule
	Votes      civiltime.Schedule
	Bills      civiltime.Schedule
	Expenses   civiltime.Schedule
	Petitions  civiltime.Schedule
	Committees civiltime.Schedule
	Scores     civiltime.Schedule
	Digest     civiltime.Schedule
}

func jobID(ec jobs.ExecContext) string {
	return strconv.FormatInt(ec.Job.ID, 10)
}

// scrapeHandler adapts one source to a queue handler.
func scrapeHandler[T any](task string, runner *scraper.Runner, src scraper.Source[T]) jobs.HandlerFunc {
	return jobs.HandlerFunc{
		Name: task,
		Fn: func(ctx context.Context, ec jobs.ExecContext) error {
			_, err := scraper.Run(ctx, runner, src, jobID(ec))
			return err
		},
	}
}

// Register wires every handler into the registry, wrapping recurring
// tasks so each successful run re-enqueues its next instance. The
// returned map seeds jobs.Bootstrap at startup.
func Register(registry *jobs.Registry, deps Deps, schedules Schedules) map[string]jobs.ScheduledTask {
	recur := func(h jobs.Handler, schedule civiltime.Schedule) jobs.Handler {
		return jobs.NewRecurring(h, RecurringKey(h.Task()), schedule, deps.Rules, deps.Clock)
	}

	// The member-list run chains the detail scrape on success. The
	// chain is keyless and the chain failure is a warning only: the
	// roster is already persisted and must not be re-scraped just to
	// retry an enqueue.
	memberList := jobs.HandlerFunc{
		Name: TaskScrapeMembers,
		Fn: func(ctx context.Context, ec jobs.ExecContext) error {
			if _, err := scraper.Run(ctx, deps.Runner, deps.Members, jobID(ec)); err != nil {
				return err
			}
			if err := deps.Members.DeactivateMissing(ctx, ec.Logger); err != nil {
				ec.Logger.Warn("deactivate missing members failed", zap.Error(err))
			}
			if err := ec.Enqueue(ctx, TaskScrapeMemberDetails, nil, deps.Clock.Now().UTC()); err != nil {
				ec.Logger.Warn("chain member-detail scrape failed", zap.Error(err))
			}
			return nil
		},
	}

	registry.MustRegister(recur(memberList, schedules.Members))
	registry.MustRegister(scrapeHandler(TaskScrapeMemberDetails, deps.Runner, deps.MemberDetails))
	registry.MustRegister(recur(scrapeHandler(TaskScrapeVotes, deps.Runner, deps.Votes), schedules.Votes))
	registry.MustRegister(recur(scrapeHandler(TaskScrapeBills, deps.Runner, deps.Bills), schedules.Bills))
	registry.MustRegister(recur(scrapeHandler(TaskScrapeExpenses, deps.Runner, deps.Expenses), schedules.Expenses))
	registry.MustRegister(recur(scrapeHandler(TaskScrapePetitions, deps.Runner, deps.Petitions), schedules.Petitions))
	registry.MustRegister(recur(scrapeHandler(TaskScrapeCommittees, deps.Runner, deps.Committees), schedules.Committees))

	recompute := jobs.HandlerFunc{
		Name: TaskRecomputeScores,
		Fn: func(ctx context.Context, ec jobs.ExecContext) error {
			scored, skipped, err := deps.Scores.RecomputeAll(ctx)
			if err != nil {
				return err
			}
			ec.Logger.Info("scores recomputed", zap.Int("scored", scored), zap.Int("skipped", skipped))
			return nil
		},
	}
	registry.MustRegister(recur(recompute, schedules.Scores))

	sendDigest := jobs.HandlerFunc{
		Name: TaskSendDigest,
		Fn: func(ctx context.Context, ec jobs.ExecContext) error {
			tally, err := deps.Digest.Run(ctx, jobID(ec))
			if err != nil {
				return err
			}
			ec.Logger.Info("digest sent",
				zap.String("week", tally.Week),
				zap.Int("sent", tally.Sent),
				zap.Int("failed", tally.Failed),
				zap.Int("already_sent", tally.AlreadySent),
			)
			return nil
		},
	}
	registry.MustRegister(recur(sendDigest, schedules.Digest))

	return map[string]jobs.ScheduledTask{
		RecurringKey(TaskScrapeMembers):    {TaskName: TaskScrapeMembers, Schedule: schedules.Members},
		RecurringKey(TaskScrapeVotes):      {TaskName: TaskScrapeVotes, Schedule: schedules.Votes},
		RecurringKey(TaskScrapeBills):      {TaskName: TaskScrapeBills, Schedule: schedules.Bills},
		RecurringKey(TaskScrapeExpenses):   {TaskName: TaskScrapeExpenses, Schedule: schedules.Expenses},
		RecurringKey(TaskScrapePetitions):  {TaskName: TaskScrapePetitions, Schedule: schedules.Petitions},
		RecurringKey(TaskScrapeCommittees): {TaskName: TaskScrapeCommittees, Schedule: schedules.Committees},
		RecurringKey(TaskRecomputeScores):  {TaskName: TaskRecomputeScores, Schedule: schedules.Scores},
		RecurringKey(TaskSendDigest):       {TaskName: TaskSendDigest, Schedule: schedules.Digest},
	}
}
