package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/parliament"
	"github.com/openparl/commons-tracker/internal/scraper"
)

// memberVotesXML mirrors the division votes endpoint.
type memberVotesXML struct {
	Votes []memberVoteXML `xml:"MemberVote"`
}

type memberVoteXML struct {
	PersonID         string `xml:"PersonId"`
	FirstName        string `xml:"PersonOfficialFirstName"`
	LastName         string `xml:"PersonOfficialLastName"`
	ParliamentNumber int    `xml:"ParliamentNumber"`
	SessionNumber    int    `xml:"SessionNumber"`
	DivisionNumber   int    `xml:"DecisionDivisionNumber"`
	DecisionDateTime string `xml:"DecisionEventDateTime"`
	Subject          string `xml:"DecisionDivisionSubject"`
	BillNumber       string `xml:"BillNumberCode"`
	VoteValue        string `xml:"VoteValueName"`
	IsPaired         bool   `xml:"IsVotePaired"`
}

// VoteRecord is one member ballot plus the identity fields needed to
// resolve its owner at persist time.
type VoteRecord struct {
	Vote       parliament.Vote
	ExternalID string
	FullName   string
}

// NaturalKey implements scraper.Keyed.
func (r VoteRecord) NaturalKey() string { return r.Vote.NaturalKey() }

// VotesSource ingests recorded division ballots.
type VotesSource struct {
	clients    Clients
	endpoints  Endpoints
	members    parliament.MemberStore
	activities parliament.ActivityStore
}

// NewVotesSource builds the votes source.
func NewVotesSource(clients Clients, endpoints Endpoints, members parliament.MemberStore, activities parliament.ActivityStore) *VotesSource {
	return &VotesSource{
		clients:    clients,
		endpoints:  endpoints,
		members:    members,
		activities: activities,
	}
}

// Name implements scraper.Source.
func (s *VotesSource) Name() string { return "votes" }

// FetchPrimary retrieves the latest division ballots.
func (s *VotesSource) FetchPrimary(ctx context.Context) ([]VoteRecord, error) {
	var payload memberVotesXML
	url := s.endpoints.Commons + "/members/en/votes/xml"
	if err := s.clients.XML.Get(ctx, url, &payload); err != nil {
		return nil, err
	}

	records := make([]VoteRecord, 0, len(payload.Votes))
	for _, raw := range payload.Votes {
		votedAt, _ := parseDate(raw.DecisionDateTime)
		records = append(records, VoteRecord{
			Vote: parliament.Vote{
				VoteNumber: raw.DivisionNumber,
				Session:    fmt.Sprintf("%d-%d", raw.ParliamentNumber, raw.SessionNumber),
				BillNumber: strings.TrimSpace(raw.BillNumber),
				Subject:    strings.TrimSpace(raw.Subject),
				Result:     mapVoteValue(raw.VoteValue, raw.IsPaired),
				VotedAt:    votedAt,
			},
			ExternalID: strings.TrimSpace(raw.PersonID),
			FullName:   joinName(raw.FirstName, raw.LastName),
		})
	}
	return records, nil
}

func mapVoteValue(value string, paired bool) parliament.VoteResult {
	if paired {
		return parliament.VotePaired
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yea", "yes", "agreed to":
		return parliament.VoteYea
	case "nay", "no", "negatived":
		return parliament.VoteNay
	case "paired":
		return parliament.VotePaired
	default:
		return parliament.VoteAbstained
	}
}

// Validate checks division numbers, dates, and owner identity.
func (s *VotesSource) Validate(records []VoteRecord) scraper.Validation {
	var v scraper.Validation
	for _, r := range records {
		key := r.Vote.NaturalKey()
		if r.Vote.VoteNumber <= 0 {
			v.Add(anomaly.New(s.Name(), "", "value_range",
				fmt.Sprintf("vote %q has non-positive division number", key),
				anomaly.SeverityHigh).
				WithMetadata("vote", key))
		}
		if r.Vote.VotedAt.IsZero() {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				fmt.Sprintf("vote %q has no decision date", key),
				anomaly.SeverityMedium).
				WithMetadata("vote", key))
		}
		if r.ExternalID == "" && r.FullName == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				fmt.Sprintf("vote %q has no member identity", key),
				anomaly.SeverityHigh).
				WithMetadata("vote", key))
		}
	}
	return v
}

// Persist resolves the ballot's member and upserts by natural key.
func (s *VotesSource) Persist(ctx context.Context, r VoteRecord) error {
	member, err := resolveMember(ctx, s.members, r.ExternalID, r.FullName)
	if err != nil {
		return err
	}
	vote := r.Vote
	vote.MemberID = member.ID
	if err := s.activities.UpsertVote(ctx, vote); err != nil {
		return fmt.Errorf("upsert vote %s: %w", vote.NaturalKey(), err)
	}
	return nil
}
