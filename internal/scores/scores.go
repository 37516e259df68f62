// Package scores derives accountability scores for members from their
// ingested activity. Four independent sub-scores, each in [0, 100],
// combine into one weighted composite.
package scores

import (
	"math"

	"github.com/openparl/commons-tracker/internal/parliament"
)

// Caps above which an input stops adding points. Each input is scaled
// linearly to 100 below its cap.
const (
	billsCap      = 10
	petitionsCap  = 5
	committeesCap = 4
	leadershipCap = 2

	signaturesCap = 10000
	meetingsCap   = 50
)

// Metric names used in the scoring_weights table.
const (
	MetricLegislative   = "legislative_activity"
	MetricFiscal        = "fiscal_responsibility"
	MetricEngagement    = "constituent_engagement"
	MetricParticipation = "voting_participation"
)

// DefaultWeights is used when no configured weights are available.
var DefaultWeights = map[string]float64{
	MetricLegislative:   0.3,
	MetricFiscal:        0.2,
	MetricEngagement:    0.2,
	MetricParticipation: 0.3,
}

// Inputs is everything a member's sub-scores are computed from.
type Inputs struct {
	BillsSponsored     int
	PetitionsSponsored int
	CommitteesJoined   int
	LeadershipRoles    int

	TotalExpenses   float64
	ExpenseBaseline float64 // 0 means no baseline data

	PetitionSignatures int
	MeetingsAttended   int

	Votes []parliament.Vote
}

// SubScores holds the four independent sub-scores.
type SubScores struct {
	Legislative   float64
	Fiscal        float64
	Engagement    float64
	Participation float64
}

func clamp(v float64) float64 {
	return math.Min(100, math.Max(0, v))
}

func capped(value, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return clamp(float64(value) / float64(limit) * 100)
}

// Legislative scores bills sponsored, petitions sponsored, committee
// seats, and leadership roles, each capped before combination.
func Legislative(in Inputs) float64 {
	return clamp(0.4*capped(in.BillsSponsored, billsCap) +
		0.2*capped(in.PetitionsSponsored, petitionsCap) +
		0.2*capped(in.CommitteesJoined, committeesCap) +
		0.2*capped(in.LeadershipRoles, leadershipCap))
}

// Fiscal compares total expenses against the baseline, symmetric
// around 50: spending at zero scores 100, at twice the baseline 0.
// No baseline data yields a neutral 50.
func Fiscal(in Inputs) float64 {
	if in.ExpenseBaseline <= 0 {
		return 50
	}
	return clamp(50 + 50*(in.ExpenseBaseline-in.TotalExpenses)/in.ExpenseBaseline)
}

// Engagement scores petition signatures and committee meeting
// attendance, each capped at its ceiling.
func Engagement(in Inputs) float64 {
	return clamp(0.6*capped(in.PetitionSignatures, signaturesCap) +
		0.4*capped(in.MeetingsAttended, meetingsCap))
}

// Participation is the percentage of recorded votes where the member
// took a substantive position. No recorded votes scores 0.
func Participation(in Inputs) float64 {
	if len(in.Votes) == 0 {
		return 0
	}
	substantive := 0
	for _, v := range in.Votes {
		if v.Result.Substantive() {
			substantive++
		}
	}
	return clamp(float64(substantive) / float64(len(in.Votes)) * 100)
}

// Compute derives all four sub-scores.
func Compute(in Inputs) SubScores {
	return SubScores{
		Legislative:   Legislative(in),
		Fiscal:        Fiscal(in),
		Engagement:    Engagement(in),
		Participation: Participation(in),
	}
}

// Composite combines sub-scores using the given weights, falling back
// to DefaultWeights for any missing metric. The result is rounded and
// clamped to [0, 100] regardless of weight or input range.
func Composite(s SubScores, weights map[string]float64) int {
	w := func(metric string) float64 {
		if v, ok := weights[metric]; ok {
			return v
		}
		return DefaultWeights[metric]
	}
	raw := w(MetricLegislative)*clamp(s.Legislative) +
		w(MetricFiscal)*clamp(s.Fiscal) +
		w(MetricEngagement)*clamp(s.Engagement) +
		w(MetricParticipation)*clamp(s.Participation)
	return int(clamp(math.Round(raw)))
}

// WeightMap converts stored weight rows to a metric lookup.
func WeightMap(rows []parliament.ScoringWeight) map[string]float64 {
	m := make(map[string]float64, len(rows))
	for _, r := range rows {
		m[r.Metric] = r.Weight
	}
	return m
}
