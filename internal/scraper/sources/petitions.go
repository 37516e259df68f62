package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/parliament"
	"github.com/openparl/commons-tracker/internal/scraper"
)

// petitionsXML mirrors the petitions search endpoint.
type petitionsXML struct {
	Petitions []petitionXML `xml:"Petition"`
}

type petitionXML struct {
	Number          string `xml:"PetitionNumber"`
	Subject         string `xml:"SubjectEn"`
	Signatures      int    `xml:"SignatureCount"`
	PresentedDate   string `xml:"PresentedDate"`
	SponsorPersonID string `xml:"SponsorPersonId"`
	SponsorName     string `xml:"SponsorName"`
}

// PetitionRecord is one petition plus its sponsor identity fields.
type PetitionRecord struct {
	Petition          parliament.Petition
	SponsorExternalID string
	SponsorFullName   string
}

// NaturalKey implements scraper.Keyed.
func (r PetitionRecord) NaturalKey() string { return r.Petition.PetitionNumber }

// PetitionsSource ingests public petitions presented to the House.
type PetitionsSource struct {
	clients    Clients
	endpoints  Endpoints
	members    parliament.MemberStore
	activities parliament.ActivityStore
}

// NewPetitionsSource builds the petitions source.
func NewPetitionsSource(clients Clients, endpoints Endpoints, members parliament.MemberStore, activities parliament.ActivityStore) *PetitionsSource {
	return &PetitionsSource{
		clients:    clients,
		endpoints:  endpoints,
		members:    members,
		activities: activities,
	}
}

// Name implements scraper.Source.
func (s *PetitionsSource) Name() string { return "petitions" }

// FetchPrimary retrieves recently presented petitions.
func (s *PetitionsSource) FetchPrimary(ctx context.Context) ([]PetitionRecord, error) {
	var payload petitionsXML
	url := s.endpoints.Petitions + "/en/Petition/Search/xml"
	if err := s.clients.XML.Get(ctx, url, &payload); err != nil {
		return nil, err
	}

	records := make([]PetitionRecord, 0, len(payload.Petitions))
	for _, raw := range payload.Petitions {
		presented, _ := parseDate(raw.PresentedDate)
		records = append(records, PetitionRecord{
			Petition: parliament.Petition{
				PetitionNumber: strings.TrimSpace(raw.Number),
				Subject:        strings.TrimSpace(raw.Subject),
				Signatures:     raw.Signatures,
				PresentedAt:    presented,
			},
			SponsorExternalID: strings.TrimSpace(raw.SponsorPersonID),
			SponsorFullName:   strings.TrimSpace(raw.SponsorName),
		})
	}
	return records, nil
}

// Validate checks petition numbers and signature counts.
func (s *PetitionsSource) Validate(records []PetitionRecord) scraper.Validation {
	var v scraper.Validation
	for _, r := range records {
		if r.Petition.PetitionNumber == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				"petition without a number", anomaly.SeverityHigh).
				WithMetadata("subject", r.Petition.Subject))
		}
		if r.Petition.Signatures < 0 {
			v.Add(anomaly.New(s.Name(), "", "value_range",
				fmt.Sprintf("petition %q has negative signature count %d",
					r.Petition.PetitionNumber, r.Petition.Signatures),
				anomaly.SeverityHigh).
				WithMetadata("petition", r.Petition.PetitionNumber))
		}
	}
	return v
}

// Persist upserts the petition; sponsors are nullable.
func (s *PetitionsSource) Persist(ctx context.Context, r PetitionRecord) error {
	if r.Petition.PetitionNumber == "" {
		return scraper.Skip("petition without a number")
	}
	petition := r.Petition
	if r.SponsorExternalID != "" || r.SponsorFullName != "" {
		member, err := resolveMember(ctx, s.members, r.SponsorExternalID, r.SponsorFullName)
		if err == nil {
			petition.SponsorID = &member.ID
		} else if !isSkip(err) {
			return err
		}
	}
	if err := s.activities.UpsertPetition(ctx, petition); err != nil {
		return fmt.Errorf("upsert petition %s: %w", r.NaturalKey(), err)
	}
	return nil
}
