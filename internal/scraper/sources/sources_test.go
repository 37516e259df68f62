package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/parliament"
	"github.com/openparl/commons-tracker/internal/scraper"
)

type fakeMemberStore struct {
	byExternalID map[string]parliament.Member
	byName       map[string]parliament.Member
	upserted     []parliament.Member
	deactivated  [][]string
}

func newFakeMemberStore(members ...parliament.Member) *fakeMemberStore {
	s := &fakeMemberStore{
		byExternalID: map[string]parliament.Member{},
		byName:       map[string]parliament.Member{},
	}
	for _, m := range members {
		if m.ExternalID != "" {
			s.byExternalID[m.ExternalID] = m
		}
		s.byName[m.FullName] = m
	}
	return s
}

func (s *fakeMemberStore) UpsertMember(_ context.Context, m parliament.Member) (int64, error) {
	s.upserted = append(s.upserted, m)
	return int64(len(s.upserted)), nil
}

func (s *fakeMemberStore) GetMemberByID(_ context.Context, id int64) (parliament.Member, error) {
	for _, m := range s.byExternalID {
		if m.ID == id {
			return m, nil
		}
	}
	return parliament.Member{}, parliament.ErrNotFound
}

func (s *fakeMemberStore) GetMemberByExternalID(_ context.Context, id string) (parliament.Member, error) {
	if m, ok := s.byExternalID[id]; ok {
		return m, nil
	}
	return parliament.Member{}, parliament.ErrNotFound
}

func (s *fakeMemberStore) GetMemberByFullName(_ context.Context, name string) (parliament.Member, error) {
	if m, ok := s.byName[name]; ok {
		return m, nil
	}
	return parliament.Member{}, parliament.ErrNotFound
}

func (s *fakeMemberStore) ListActiveMembers(context.Context) ([]parliament.Member, error) {
	out := make([]parliament.Member, 0, len(s.byName))
	for _, m := range s.byName {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeMemberStore) DeactivateMembersNotIn(_ context.Context, ids []string) (int64, error) {
	s.deactivated = append(s.deactivated, ids)
	return 1, nil
}

type fakeActivityStore struct {
	votes      []parliament.Vote
	committees []parliament.CommitteeParticipation
}

func (s *fakeActivityStore) UpsertVote(_ context.Context, v parliament.Vote) error {
	s.votes = append(s.votes, v)
	return nil
}

func (s *fakeActivityStore) UpsertBill(context.Context, parliament.Bill) error         { return nil }
func (s *fakeActivityStore) UpsertExpense(context.Context, parliament.Expense) error   { return nil }
func (s *fakeActivityStore) UpsertPetition(context.Context, parliament.Petition) error { return nil }

func (s *fakeActivityStore) UpsertCommitteeParticipation(_ context.Context, c parliament.CommitteeParticipation) error {
	s.committees = append(s.committees, c)
	return nil
}

func (s *fakeActivityStore) ListVotesByMember(context.Context, int64) ([]parliament.Vote, error) {
	return nil, nil
}

func (s *fakeActivityStore) ListBillsBySponsor(context.Context, int64) ([]parliament.Bill, error) {
	return nil, nil
}

func (s *fakeActivityStore) ListExpensesByMember(context.Context, int64) ([]parliament.Expense, error) {
	return nil, nil
}

func (s *fakeActivityStore) ListPetitionsBySponsor(context.Context, int64) ([]parliament.Petition, error) {
	return nil, nil
}

func (s *fakeActivityStore) ListCommitteesByMember(context.Context, int64) ([]parliament.CommitteeParticipation, error) {
	return nil, nil
}

func (s *fakeActivityStore) MemberActivitySince(context.Context, int64, time.Time) (parliament.ActivitySummary, error) {
	return parliament.ActivitySummary{}, nil
}

func TestCommitteePersistResolvesByExternalID(t *testing.T) {
	t.Parallel()

	members := newFakeMemberStore(parliament.Member{ID: 42, ExternalID: "105555", FullName: "Jordan Leclerc"})
	activities := &fakeActivityStore{}
	src := NewCommitteesSource(Clients{}, Endpoints{}, members, activities)

	err := src.Persist(context.Background(), CommitteeRecord{
		Participation: parliament.CommitteeParticipation{CommitteeCode: "FINA"},
		ExternalID:    "105555",
		FullName:      "Someone Else",
	})
	require.NoError(t, err)
	require.Len(t, activities.committees, 1)
	require.Equal(t, int64(42), activities.committees[0].MemberID)
}

func TestCommitteePersistFallsBackToExactName(t *testing.T) {
	t.Parallel()

	members := newFakeMemberStore(parliament.Member{ID: 7, FullName: "Avery Tremblay"})
	activities := &fakeActivityStore{}
	src := NewCommitteesSource(Clients{}, Endpoints{}, members, activities)

	err := src.Persist(context.Background(), CommitteeRecord{
		Participation: parliament.CommitteeParticipation{CommitteeCode: "ETHI"},
		FullName:      "Avery Tremblay",
	})
	require.NoError(t, err)
	require.Len(t, activities.committees, 1)
	require.Equal(t, int64(7), activities.committees[0].MemberID)
}

func TestCommitteePersistSkipsUnresolvable(t *testing.T) {
	t.Parallel()

	members := newFakeMemberStore()
	activities := &fakeActivityStore{}
	src := NewCommitteesSource(Clients{}, Endpoints{}, members, activities)

	err := src.Persist(context.Background(), CommitteeRecord{
		Participation: parliament.CommitteeParticipation{CommitteeCode: "HESA"},
		ExternalID:    "999999",
		FullName:      "Nobody Known",
	})
	var skip *scraper.SkipError
	require.ErrorAs(t, err, &skip)
	require.Empty(t, activities.committees)
	require.Empty(t, members.upserted, "unresolved records must not fabricate members")
}

func TestCommitteeValidateFlagsDateOrdering(t *testing.T) {
	t.Parallel()

	src := NewCommitteesSource(Clients{}, Endpoints{}, newFakeMemberStore(), &fakeActivityStore{})
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, -1, 0)

	v := src.Validate([]CommitteeRecord{
		{
			Participation: parliament.CommitteeParticipation{
				CommitteeCode: "FINA", StartDate: start, EndDate: &end,
			},
			ExternalID: "1",
		},
		{
			Participation: parliament.CommitteeParticipation{
				CommitteeCode: "ETHI", StartDate: start, MeetingsAttended: -3,
			},
			ExternalID: "2",
		},
	})
	require.Len(t, v.Anomalies, 2)
	require.Equal(t, "referential", v.Anomalies[0].Type)
	require.Equal(t, anomaly.SeverityHigh, v.Anomalies[0].Severity)
	require.Equal(t, "value_range", v.Anomalies[1].Type)
}

func TestMapVoteValue(t *testing.T) {
	t.Parallel()

	require.Equal(t, parliament.VoteYea, mapVoteValue("Yea", false))
	require.Equal(t, parliament.VoteNay, mapVoteValue("Nay", false))
	require.Equal(t, parliament.VotePaired, mapVoteValue("Yea", true))
	require.Equal(t, parliament.VoteAbstained, mapVoteValue("", false))
	require.False(t, parliament.VotePaired.Substantive())
	require.True(t, parliament.VoteYea.Substantive())
}

func TestVotesValidate(t *testing.T) {
	t.Parallel()

	src := NewVotesSource(Clients{}, Endpoints{}, newFakeMemberStore(), &fakeActivityStore{})
	v := src.Validate([]VoteRecord{
		{Vote: parliament.Vote{VoteNumber: 0, Session: "45-1"}, ExternalID: "1"},
		{
			Vote:       parliament.Vote{VoteNumber: 12, Session: "45-1", VotedAt: time.Now()},
			ExternalID: "", FullName: "",
		},
	})
	// First record: bad division number and missing date. Second: no identity.
	require.Len(t, v.Anomalies, 3)
}

func TestExternalIDFromProfileURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "105555", externalIDFromProfileURL("/members/en/jordan-leclerc(105555)"))
	require.Equal(t, "", externalIDFromProfileURL("/members/en/unknown"))
}

type testClock struct{ now time.Time }

func (c testClock) Now() time.Time { return c.now }

func TestMemberPersistSkipsMissingExternalID(t *testing.T) {
	t.Parallel()

	members := newFakeMemberStore()
	src := NewMemberListSource(Clients{}, Endpoints{}, members, testClock{now: time.Unix(1700000000, 0)})

	// Two roster entries with no person id are two distinct people;
	// upserting them would merge on the empty id. Both are skipped.
	err := src.Persist(context.Background(), parliament.Member{FullName: "Avery Tremblay"})
	var skip *scraper.SkipError
	require.ErrorAs(t, err, &skip)
	err = src.Persist(context.Background(), parliament.Member{FullName: "Jordan Leclerc"})
	require.ErrorAs(t, err, &skip)
	require.Empty(t, members.upserted)
	require.Empty(t, src.seenExternalIDs)

	require.NoError(t, src.Persist(context.Background(), parliament.Member{
		ExternalID: "105001",
		FullName:   "Jane Carter",
	}))
	require.Equal(t, []string{"105001"}, src.seenExternalIDs)
	require.Len(t, members.upserted, 1)
}
