package parliament

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups that match no row.
var ErrNotFound = errors.New("not found")

// MemberStore persists members keyed by their external person id.
type MemberStore interface {
	UpsertMember(ctx context.Context, m Member) (int64, error)
	GetMemberByID(ctx context.Context, id int64) (Member, error)
	GetMemberByExternalID(ctx context.Context, externalID string) (Member, error)
	GetMemberByFullName(ctx context.Context, fullName string) (Member, error)
	ListActiveMembers(ctx context.Context) ([]Member, error)
	DeactivateMembersNotIn(ctx context.Context, externalIDs []string) (int64, error)
}

// ActivityStore persists the per-domain activity records, deduplicated
// by each record's natural external key.
type ActivityStore interface {
	UpsertVote(ctx context.Context, v Vote) error
	UpsertBill(ctx context.Context, b Bill) error
	UpsertExpense(ctx context.Context, e Expense) error
	UpsertPetition(ctx context.Context, p Petition) error
	UpsertCommitteeParticipation(ctx context.Context, c CommitteeParticipation) error

	ListVotesByMember(ctx context.Context, memberID int64) ([]Vote, error)
	ListBillsBySponsor(ctx context.Context, memberID int64) ([]Bill, error)
	ListExpensesByMember(ctx context.Context, memberID int64) ([]Expense, error)
	ListPetitionsBySponsor(ctx context.Context, memberID int64) ([]Petition, error)
	ListCommitteesByMember(ctx context.Context, memberID int64) ([]CommitteeParticipation, error)

	MemberActivitySince(ctx context.Context, memberID int64, since time.Time) (ActivitySummary, error)
}

// ActivitySummary aggregates one member's activity over a window.
type ActivitySummary struct {
	MemberID   int64
	Votes      []Vote
	Bills      []Bill
	Petitions  []Petition
	Committees []CommitteeParticipation
	Expenses   []Expense
}

// Empty reports whether the window produced no activity at all.
func (s ActivitySummary) Empty() bool {
	return len(s.Votes) == 0 && len(s.Bills) == 0 && len(s.Petitions) == 0 &&
		len(s.Committees) == 0 && len(s.Expenses) == 0
}

// ScoreStore persists append-only score snapshots.
type ScoreStore interface {
	InsertScore(ctx context.Context, s CalculatedScore) error
	LatestScore(ctx context.Context, memberID int64) (CalculatedScore, error)
	GetWeights(ctx context.Context) ([]ScoringWeight, error)
}

// SubscriptionStore reads and mutates digest subscriptions.
type SubscriptionStore interface {
	ListActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	DeactivateSubscription(ctx context.Context, userID string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
