package tasks

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/civiltime"
	"github.com/openparl/commons-tracker/internal/jobs"
)

func TestRegisterWiresEveryTask(t *testing.T) {
	t.Parallel()

	registry := jobs.NewRegistry()
	schedule, err := civiltime.ParseSchedule("02 00")
	require.NoError(t, err)

	entries := Register(registry, Deps{
		Rules:  civiltime.Eastern(),
		Logger: zap.NewNop(),
	}, Schedules{
		Members:    schedule,
		Votes:      schedule,
		Bills:      schedule,
		Expenses:   schedule,
		Petitions:  schedule,
		Committees: schedule,
		Scores:     schedule,
		Digest:     schedule,
	})

	tasks := []string{
		TaskScrapeMembers, TaskScrapeMemberDetails, TaskScrapeVotes,
		TaskScrapeBills, TaskScrapeExpenses, TaskScrapePetitions,
		TaskScrapeCommittees, TaskRecomputeScores, TaskSendDigest,
	}
	for _, task := range tasks {
		_, ok := registry.Lookup(task)
		require.True(t, ok, task)
	}

	// Every recurring task is seeded for bootstrap; the chained
	// member-detail scrape is deliberately not, it only runs when the
	// roster scrape enqueues it.
	require.Len(t, entries, 8)
	require.Contains(t, entries, RecurringKey(TaskScrapeMembers))
	require.NotContains(t, entries, RecurringKey(TaskScrapeMemberDetails))
	require.Equal(t, TaskSendDigest, entries[RecurringKey(TaskSendDigest)].TaskName)
}
