package scores

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/parliament"
)

// Engine recomputes scores for all active members. Fiscal baselines
// are derived from the same roster pass: the average total expenses of
// the member's party when party data exists, else the national
// average.
type Engine struct {
	members    parliament.MemberStore
	activities parliament.ActivityStore
	scores     parliament.ScoreStore
	clock      parliament.Clock
	logger     *zap.Logger
}

// NewEngine wires an Engine.
func NewEngine(members parliament.MemberStore, activities parliament.ActivityStore, scores parliament.ScoreStore, clock parliament.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		members:    members,
		activities: activities,
		scores:     scores,
		clock:      clock,
		logger:     logger,
	}
}

// RecomputeAll scores every active member and appends one snapshot per
// member. A failure for one member is logged and skipped. Returns the
// number of members scored and the number skipped.
func (e *Engine) RecomputeAll(ctx context.Context) (scored, skipped int, err error) {
	members, err := e.members.ListActiveMembers(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list active members: %w", err)
	}
	if len(members) == 0 {
		return 0, 0, nil
	}

	inputs := make(map[int64]Inputs, len(members))
	for _, m := range members {
		in, gErr := e.gather(ctx, m.ID)
		if gErr != nil {
			e.logger.Warn("gather member activity failed",
				zap.Int64("member_id", m.ID),
				zap.String("member", m.FullName),
				zap.Error(gErr),
			)
			skipped++
			continue
		}
		inputs[m.ID] = in
	}

	baselines := fiscalBaselines(members, inputs)

	weights := DefaultWeights
	if rows, wErr := e.scores.GetWeights(ctx); wErr != nil {
		e.logger.Warn("load scoring weights failed, using defaults", zap.Error(wErr))
	} else if len(rows) > 0 {
		weights = WeightMap(rows)
	}

	now := e.clock.Now().UTC()
	for _, m := range members {
		in, ok := inputs[m.ID]
		if !ok {
			continue
		}
		in.ExpenseBaseline = baselines.forMember(m)

		sub := Compute(in)
		snapshot := parliament.CalculatedScore{
			MemberID:      m.ID,
			Legislative:   sub.Legislative,
			Fiscal:        sub.Fiscal,
			Engagement:    sub.Engagement,
			Participation: sub.Participation,
			Composite:     Composite(sub, weights),
			CalculatedAt:  now,
		}
		if iErr := e.scores.InsertScore(ctx, snapshot); iErr != nil {
			e.logger.Warn("insert score failed",
				zap.Int64("member_id", m.ID),
				zap.Error(iErr),
			)
			skipped++
			continue
		}
		scored++
	}
	return scored, skipped, nil
}

func (e *Engine) gather(ctx context.Context, memberID int64) (Inputs, error) {
	var in Inputs

	votes, err := e.activities.ListVotesByMember(ctx, memberID)
	if err != nil {
		return in, fmt.Errorf("list votes: %w", err)
	}
	in.Votes = votes

	bills, err := e.activities.ListBillsBySponsor(ctx, memberID)
	if err != nil {
		return in, fmt.Errorf("list bills: %w", err)
	}
	in.BillsSponsored = len(bills)

	petitions, err := e.activities.ListPetitionsBySponsor(ctx, memberID)
	if err != nil {
		return in, fmt.Errorf("list petitions: %w", err)
	}
	in.PetitionsSponsored = len(petitions)
	for _, p := range petitions {
		in.PetitionSignatures += p.Signatures
	}

	committees, err := e.activities.ListCommitteesByMember(ctx, memberID)
	if err != nil {
		return in, fmt.Errorf("list committees: %w", err)
	}
	in.CommitteesJoined = len(committees)
	for _, c := range committees {
		if c.Leadership() {
			in.LeadershipRoles++
		}
		in.MeetingsAttended += c.MeetingsAttended
	}

	expenses, err := e.activities.ListExpensesByMember(ctx, memberID)
	if err != nil {
		return in, fmt.Errorf("list expenses: %w", err)
	}
	for _, x := range expenses {
		in.TotalExpenses += x.Amount
	}

	return in, nil
}

type baselineSet struct {
	byParty  map[string]float64
	national float64
}

// forMember picks the party average when one exists, else the national
// average. Zero means no baseline data at all.
func (b baselineSet) forMember(m parliament.Member) float64 {
	if m.Party != "" {
		if avg, ok := b.byParty[m.Party]; ok {
			return avg
		}
	}
	return b.national
}

func fiscalBaselines(members []parliament.Member, inputs map[int64]Inputs) baselineSet {
	type accum struct {
		total float64
		n     int
	}
	parties := map[string]*accum{}
	var national accum

	for _, m := range members {
		in, ok := inputs[m.ID]
		if !ok {
			continue
		}
		national.total += in.TotalExpenses
		national.n++
		if m.Party != "" {
			a := parties[m.Party]
			if a == nil {
				a = &accum{}
				parties[m.Party] = a
			}
			a.total += in.TotalExpenses
			a.n++
		}
	}

	set := baselineSet{byParty: make(map[string]float64, len(parties))}
	if national.n > 0 {
		set.national = national.total / float64(national.n)
	}
	for party, a := range parties {
		if a.n > 0 {
			set.byParty[party] = a.total / float64(a.n)
		}
	}
	return set
}
