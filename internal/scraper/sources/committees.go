package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/parliament"
	"github.com/openparl/commons-tracker/internal/scraper"
)

// committeesXML mirrors the committee membership endpoint.
type committeesXML struct {
	Memberships []committeeMembershipXML `xml:"CommitteeMember"`
}

type committeeMembershipXML struct {
	PersonID      string `xml:"PersonId"`
	FirstName     string `xml:"PersonOfficialFirstName"`
	LastName      string `xml:"PersonOfficialLastName"`
	CommitteeCode string `xml:"CommitteeAcronym"`
	CommitteeName string `xml:"CommitteeNameEn"`
	Role          string `xml:"MembershipRoleNameEn"`
	StartDate     string `xml:"FromDate"`
	EndDate       string `xml:"ToDate"`
	Meetings      int    `xml:"MeetingsAttendedCount"`
}

// CommitteeRecord is one committee seat plus its owner identity fields.
type CommitteeRecord struct {
	Participation parliament.CommitteeParticipation
	ExternalID    string
	FullName      string
}

// NaturalKey implements scraper.Keyed.
func (r CommitteeRecord) NaturalKey() string {
	return r.ExternalID + "/" + r.Participation.CommitteeCode
}

// CommitteesSource ingests committee memberships. Identity resolution
// here is the loosest of all sources: the feed frequently omits person
// ids, so an exact full-name match is the fallback and unresolved rows
// are skipped rather than fabricating members.
type CommitteesSource struct {
	clients    Clients
	endpoints  Endpoints
	members    parliament.MemberStore
	activities parliament.ActivityStore
}

// NewCommitteesSource builds the committees source.
func NewCommitteesSource(clients Clients, endpoints Endpoints, members parliament.MemberStore, activities parliament.ActivityStore) *CommitteesSource {
	return &CommitteesSource{
		clients:    clients,
		endpoints:  endpoints,
		members:    members,
		activities: activities,
	}
}

// Name implements scraper.Source.
func (s *CommitteesSource) Name() string { return "committees" }

// FetchPrimary retrieves current committee memberships.
func (s *CommitteesSource) FetchPrimary(ctx context.Context) ([]CommitteeRecord, error) {
	var payload committeesXML
	url := s.endpoints.Commons + "/committees/en/members/xml"
	if err := s.clients.XML.Get(ctx, url, &payload); err != nil {
		return nil, err
	}

	records := make([]CommitteeRecord, 0, len(payload.Memberships))
	for _, raw := range payload.Memberships {
		start, _ := parseDate(raw.StartDate)
		record := CommitteeRecord{
			Participation: parliament.CommitteeParticipation{
				CommitteeCode:    strings.TrimSpace(raw.CommitteeCode),
				CommitteeName:    strings.TrimSpace(raw.CommitteeName),
				Role:             normalizeRole(raw.Role),
				StartDate:        start,
				MeetingsAttended: raw.Meetings,
			},
			ExternalID: strings.TrimSpace(raw.PersonID),
			FullName:   joinName(raw.FirstName, raw.LastName),
		}
		if end, ok := parseDate(raw.EndDate); ok {
			record.Participation.EndDate = &end
		}
		records = append(records, record)
	}
	return records, nil
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "chair", "président", "présidente":
		return "chair"
	case "vice-chair", "vice-président", "vice-présidente":
		return "vice-chair"
	default:
		return "member"
	}
}

// Validate checks date ordering and meeting counts.
func (s *CommitteesSource) Validate(records []CommitteeRecord) scraper.Validation {
	var v scraper.Validation
	for _, r := range records {
		key := r.NaturalKey()
		p := r.Participation
		if p.EndDate != nil && !p.StartDate.IsZero() && p.EndDate.Before(p.StartDate) {
			v.Add(anomaly.New(s.Name(), "", "referential",
				fmt.Sprintf("committee seat %q ends before it starts", key),
				anomaly.SeverityHigh).
				WithMetadata("seat", key))
		}
		if p.MeetingsAttended < 0 {
			v.Add(anomaly.New(s.Name(), "", "value_range",
				fmt.Sprintf("committee seat %q has negative meeting count %d",
					key, p.MeetingsAttended),
				anomaly.SeverityMedium).
				WithMetadata("seat", key))
		}
		if p.CommitteeCode == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				fmt.Sprintf("committee seat for %q has no committee code", r.FullName),
				anomaly.SeverityMedium).
				WithMetadata("full_name", r.FullName))
		}
	}
	return v
}

// Persist resolves the seat's member (id, then exact name, else skip)
// and upserts by (member, committee).
func (s *CommitteesSource) Persist(ctx context.Context, r CommitteeRecord) error {
	if r.Participation.CommitteeCode == "" {
		return scraper.Skip("committee seat without a committee code")
	}
	member, err := resolveMember(ctx, s.members, r.ExternalID, r.FullName)
	if err != nil {
		return err
	}
	participation := r.Participation
	participation.MemberID = member.ID
	if err := s.activities.UpsertCommitteeParticipation(ctx, participation); err != nil {
		return fmt.Errorf("upsert committee seat %s: %w", r.NaturalKey(), err)
	}
	return nil
}
