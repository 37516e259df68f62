package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/civiltime"
	"github.com/openparl/commons-tracker/internal/errtrack"
	"github.com/openparl/commons-tracker/internal/mailer"
	"github.com/openparl/commons-tracker/internal/parliament"
)

func TestWeekID(t *testing.T) {
	t.Parallel()

	rules := civiltime.Eastern()
	cases := []struct {
		name string
		utc  time.Time
		want string
	}{
		{
			name: "ordinary mid-year week",
			utc:  time.Date(2025, time.August, 29, 12, 0, 0, 0, time.UTC),
			want: "2025-35",
		},
		{
			name: "late December belongs to week 1 of next year",
			utc:  time.Date(2025, time.December, 29, 12, 0, 0, 0, time.UTC),
			want: "2026-01",
		},
		{
			name: "civil date is still the previous day near midnight UTC",
			utc:  time.Date(2025, time.December, 29, 2, 0, 0, 0, time.UTC),
			want: "2025-52",
		},
		{
			name: "early January belongs to last week of previous year",
			utc:  time.Date(2027, time.January, 1, 12, 0, 0, 0, time.UTC),
			want: "2026-53",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, WeekID(tc.utc, rules))
		})
	}
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []mailer.Message
	errTo map[string]error
}

func (f *fakeSender) Send(_ context.Context, msg mailer.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errTo[msg.To]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("<msg-%d@test>", len(f.sent)), nil
}

type fakeDigestStore struct {
	mu        sync.Mutex
	records   []SentRecord
	nextID    int64
	insertErr []error // consumed per InsertSent call before real insert
}

func (f *fakeDigestStore) ListSentUserIDs(_ context.Context, weekID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []string
	for _, r := range f.records {
		if r.WeekID == weekID {
			users = append(users, r.UserID)
		}
	}
	return users, nil
}

func (f *fakeDigestStore) InsertSent(_ context.Context, rec SentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.insertErr) > 0 {
		err := f.insertErr[0]
		f.insertErr = f.insertErr[1:]
		if err != nil {
			return err
		}
	}
	for _, existing := range f.records {
		if existing.UserID == rec.UserID && existing.WeekID == rec.WeekID {
			return ErrDuplicateWeek
		}
	}
	f.nextID++
	rec.ID = f.nextID
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeDigestStore) GetSentByMessageID(_ context.Context, providerMessageID string) (SentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ProviderMessageID == providerMessageID {
			return r, nil
		}
	}
	return SentRecord{}, parliament.ErrNotFound
}

func (f *fakeDigestStore) UpdateDelivery(_ context.Context, recordID int64, status DeliveryStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == recordID {
			f.records[i].Status = status
			switch status {
			case StatusDelivered:
				f.records[i].DeliveredAt = &at
			case StatusBounced, StatusComplained:
				f.records[i].BouncedAt = &at
			}
			return nil
		}
	}
	return parliament.ErrNotFound
}

type fakeSubStore struct {
	mu          sync.Mutex
	subs        []parliament.Subscription
	deactivated []string
}

func (f *fakeSubStore) ListActiveSubscriptions(context.Context) ([]parliament.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var active []parliament.Subscription
	for _, s := range f.subs {
		if s.Active {
			active = append(active, s)
		}
	}
	return active, nil
}

func (f *fakeSubStore) DeactivateSubscription(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, userID)
	for i := range f.subs {
		if f.subs[i].UserID == userID {
			f.subs[i].Active = false
		}
	}
	return nil
}

type fakeMemberLookup struct {
	members map[int64]parliament.Member
}

func (f *fakeMemberLookup) UpsertMember(context.Context, parliament.Member) (int64, error) {
	return 0, errors.New("not implemented")
}
func (f *fakeMemberLookup) GetMemberByID(_ context.Context, id int64) (parliament.Member, error) {
	if m, ok := f.members[id]; ok {
		return m, nil
	}
	return parliament.Member{}, parliament.ErrNotFound
}
func (f *fakeMemberLookup) GetMemberByExternalID(context.Context, string) (parliament.Member, error) {
	return parliament.Member{}, parliament.ErrNotFound
}
func (f *fakeMemberLookup) GetMemberByFullName(context.Context, string) (parliament.Member, error) {
	return parliament.Member{}, parliament.ErrNotFound
}
func (f *fakeMemberLookup) ListActiveMembers(context.Context) ([]parliament.Member, error) {
	return nil, nil
}
func (f *fakeMemberLookup) DeactivateMembersNotIn(context.Context, []string) (int64, error) {
	return 0, nil
}

type fakeActivityLookup struct {
	summaries map[int64]parliament.ActivitySummary
}

func (f *fakeActivityLookup) UpsertVote(context.Context, parliament.Vote) error       { return nil }
func (f *fakeActivityLookup) UpsertBill(context.Context, parliament.Bill) error       { return nil }
func (f *fakeActivityLookup) UpsertExpense(context.Context, parliament.Expense) error { return nil }
func (f *fakeActivityLookup) UpsertPetition(context.Context, parliament.Petition) error {
	return nil
}
func (f *fakeActivityLookup) UpsertCommitteeParticipation(context.Context, parliament.CommitteeParticipation) error {
	return nil
}
func (f *fakeActivityLookup) ListVotesByMember(context.Context, int64) ([]parliament.Vote, error) {
	return nil, nil
}
func (f *fakeActivityLookup) ListBillsBySponsor(context.Context, int64) ([]parliament.Bill, error) {
	return nil, nil
}
func (f *fakeActivityLookup) ListExpensesByMember(context.Context, int64) ([]parliament.Expense, error) {
	return nil, nil
}
func (f *fakeActivityLookup) ListPetitionsBySponsor(context.Context, int64) ([]parliament.Petition, error) {
	return nil, nil
}
func (f *fakeActivityLookup) ListCommitteesByMember(context.Context, int64) ([]parliament.CommitteeParticipation, error) {
	return nil, nil
}
func (f *fakeActivityLookup) MemberActivitySince(_ context.Context, memberID int64, _ time.Time) (parliament.ActivitySummary, error) {
	return f.summaries[memberID], nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type testEnv struct {
	pipeline *Pipeline
	sender   *fakeSender
	store    *fakeDigestStore
	subs     *fakeSubStore
}

func newTestEnv(t *testing.T, subs []parliament.Subscription, cfg Config) testEnv {
	t.Helper()

	renderer, err := NewRenderer()
	require.NoError(t, err)

	sender := &fakeSender{errTo: map[string]error{}}
	store := &fakeDigestStore{}
	subStore := &fakeSubStore{subs: subs}
	members := &fakeMemberLookup{members: map[int64]parliament.Member{
		1: {ID: 1, FullName: "Jane Carter", Party: "Liberal", Constituency: "Halifax"},
		2: {ID: 2, FullName: "Marc Tremblay", Party: "Bloc", Constituency: "Gatineau"},
	}}
	activity := &fakeActivityLookup{summaries: map[int64]parliament.ActivitySummary{
		1: {MemberID: 1, Votes: []parliament.Vote{{VoteNumber: 1, Session: "45-1", Result: parliament.VoteYea}}},
	}}
	clock := fixedClock{now: time.Date(2025, time.August, 29, 12, 0, 0, 0, time.UTC)}

	p := NewPipeline(subStore, members, activity, store, sender, renderer,
		clock, civiltime.Eastern(), errtrack.Nop{}, cfg, zap.NewNop())
	p.sleep = func(time.Duration) {}

	return testEnv{pipeline: p, sender: sender, store: store, subs: subStore}
}

func TestRunSendsOncePerUserAndWeek(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []parliament.Subscription{
		{UserID: "u1", Email: "u1@example.org", MemberIDs: []int64{1}, Active: true},
		{UserID: "u2", Email: "u2@example.org", MemberIDs: []int64{2}, Active: true},
		{UserID: "u3", Email: "u3@example.org", Active: true}, // no follows
	}, Config{})

	tally, err := env.pipeline.Run(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "2025-35", tally.Week)
	require.Equal(t, 2, tally.Eligible)
	require.Equal(t, 2, tally.Sent)
	require.Zero(t, tally.Failed)
	require.Len(t, env.sender.sent, 2)
	require.Len(t, env.store.records, 2)

	// A retry of the same week job sends nothing more.
	tally2, err := env.pipeline.Run(context.Background(), "job-1-retry")
	require.NoError(t, err)
	require.Zero(t, tally2.Sent)
	require.Equal(t, 2, tally2.AlreadySent)
	require.Len(t, env.sender.sent, 2)
	require.Len(t, env.store.records, 2)
}

func TestRunTreatsDuplicateRecordAsSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []parliament.Subscription{
		{UserID: "u1", Email: "u1@example.org", MemberIDs: []int64{1}, Active: true},
	}, Config{})
	// Another process recorded (u1, week) between our guard query and
	// our write.
	env.store.insertErr = []error{ErrDuplicateWeek}

	tally, err := env.pipeline.Run(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, tally.Sent)
	require.Zero(t, tally.Failed)
}

func TestRunRetriesRecordWriteThenFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []parliament.Subscription{
		{UserID: "u1", Email: "u1@example.org", MemberIDs: []int64{1}, Active: true},
	}, Config{RecordAttempts: 3})
	dbErr := errors.New("connection refused")
	env.store.insertErr = []error{dbErr, dbErr, dbErr}

	tally, err := env.pipeline.Run(context.Background(), "job-1")
	require.NoError(t, err)
	// The email went out but duplicate protection is compromised, so
	// the user counts as failed.
	require.Len(t, env.sender.sent, 1)
	require.Zero(t, tally.Sent)
	require.Equal(t, 1, tally.Failed)
}

func TestRunRecordWriteRecoversOnRetry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []parliament.Subscription{
		{UserID: "u1", Email: "u1@example.org", MemberIDs: []int64{1}, Active: true},
	}, Config{RecordAttempts: 3})
	env.store.insertErr = []error{errors.New("transient"), nil}

	tally, err := env.pipeline.Run(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, tally.Sent)
	require.Zero(t, tally.Failed)
	require.Len(t, env.store.records, 1)
}

func TestRunSendFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, []parliament.Subscription{
		{UserID: "u1", Email: "u1@example.org", MemberIDs: []int64{1}, Active: true},
		{UserID: "u2", Email: "u2@example.org", MemberIDs: []int64{2}, Active: true},
	}, Config{BatchSize: 1})
	env.sender.errTo["u1@example.org"] = errors.New("mailbox unavailable")

	tally, err := env.pipeline.Run(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, tally.Sent)
	require.Equal(t, 1, tally.Failed)
	require.Len(t, env.store.records, 1)
	require.Equal(t, "u2", env.store.records[0].UserID)
}

func TestRenderIncludesActivityAndQuietMembers(t *testing.T) {
	t.Parallel()

	renderer, err := NewRenderer()
	require.NoError(t, err)

	content := Content{
		WeekStart: time.Date(2025, time.August, 22, 0, 0, 0, 0, time.UTC),
		WeekEnd:   time.Date(2025, time.August, 29, 0, 0, 0, 0, time.UTC),
		Members: []MemberSection{
			{
				Member: parliament.Member{FullName: "Jane Carter", Party: "Liberal", Constituency: "Halifax"},
				Summary: parliament.ActivitySummary{
					Votes: []parliament.Vote{{Result: parliament.VoteYea}, {Result: parliament.VoteNay}},
					Bills: []parliament.Bill{{BillNumber: "C-12"}},
				},
			},
			{
				Member: parliament.Member{FullName: "Marc Tremblay", Party: "Bloc"},
			},
		},
	}

	text, html, err := renderer.Render(content)
	require.NoError(t, err)

	require.Contains(t, text, "Jane Carter")
	require.Contains(t, text, "2 recorded divisions")
	require.Contains(t, text, "1 with new activity")
	require.Contains(t, text, "No recorded activity this week.")
	require.Contains(t, html, "<strong>2</strong> recorded divisions")
	require.Contains(t, html, "Marc Tremblay")
	require.False(t, strings.Contains(text, "Petitions:"))
}

type fakeEventStore struct {
	processed map[string]bool
}

func (f *fakeEventStore) MarkProcessed(_ context.Context, eventID string) (bool, error) {
	if f.processed[eventID] {
		return false, nil
	}
	f.processed[eventID] = true
	return true, nil
}

func TestProcessorAppliesDeliveryAndBounce(t *testing.T) {
	t.Parallel()

	store := &fakeDigestStore{}
	require.NoError(t, store.InsertSent(context.Background(), SentRecord{
		UserID: "u1", WeekID: "2025-35", Status: StatusSent, ProviderMessageID: "<m1@test>",
	}))
	require.NoError(t, store.InsertSent(context.Background(), SentRecord{
		UserID: "u2", WeekID: "2025-35", Status: StatusSent, ProviderMessageID: "<m2@test>",
	}))

	subs := &fakeSubStore{subs: []parliament.Subscription{
		{UserID: "u1", Active: true},
		{UserID: "u2", Active: true},
	}}
	events := &fakeEventStore{processed: map[string]bool{}}
	proc := NewProcessor(store, events, subs, zap.NewNop())

	at := time.Date(2025, time.August, 29, 13, 0, 0, 0, time.UTC)
	require.NoError(t, proc.Process(context.Background(), Event{
		ID: "ev-1", Type: "email.delivered",
		Data: EventData{MessageID: "<m1@test>", Timestamp: at},
	}))
	require.Equal(t, StatusDelivered, store.records[0].Status)
	require.NotNil(t, store.records[0].DeliveredAt)
	require.Empty(t, subs.deactivated)

	require.NoError(t, proc.Process(context.Background(), Event{
		ID: "ev-2", Type: "email.bounced",
		Data: EventData{MessageID: "<m2@test>", Timestamp: at},
	}))
	require.Equal(t, StatusBounced, store.records[1].Status)
	require.Equal(t, []string{"u2"}, subs.deactivated)
}

func TestProcessorIsIdempotentByEventID(t *testing.T) {
	t.Parallel()

	store := &fakeDigestStore{}
	require.NoError(t, store.InsertSent(context.Background(), SentRecord{
		UserID: "u1", WeekID: "2025-35", Status: StatusSent, ProviderMessageID: "<m1@test>",
	}))
	subs := &fakeSubStore{subs: []parliament.Subscription{{UserID: "u1", Active: true}}}
	events := &fakeEventStore{processed: map[string]bool{}}
	proc := NewProcessor(store, events, subs, zap.NewNop())

	ev := Event{ID: "ev-1", Type: "email.bounced", Data: EventData{MessageID: "<m1@test>"}}
	require.NoError(t, proc.Process(context.Background(), ev))
	require.NoError(t, proc.Process(context.Background(), ev))
	require.Equal(t, []string{"u1"}, subs.deactivated)
}

func TestProcessorIgnoresUnknownEventTypes(t *testing.T) {
	t.Parallel()

	store := &fakeDigestStore{}
	subs := &fakeSubStore{}
	events := &fakeEventStore{processed: map[string]bool{}}
	proc := NewProcessor(store, events, subs, zap.NewNop())

	require.NoError(t, proc.Process(context.Background(), Event{ID: "ev-1", Type: "email.opened"}))
	require.Empty(t, events.processed)
}
