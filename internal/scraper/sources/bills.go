package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/parliament"
	"github.com/openparl/commons-tracker/internal/scraper"
)

// billsXML mirrors the LEGISinfo bill list endpoint.
type billsXML struct {
	Bills []billXML `xml:"Bill"`
}

type billXML struct {
	Number          string `xml:"NumberCode"`
	Session         string `xml:"ParliamentSession"`
	LongTitle       string `xml:"LongTitleEn"`
	Status          string `xml:"StatusNameEn"`
	IntroducedDate  string `xml:"IntroducedDateTime"`
	LatestActivity  string `xml:"LatestActivityDateTime"`
	SponsorPersonID string `xml:"SponsorPersonId"`
	SponsorFullName string `xml:"SponsorPersonName"`
}

// BillRecord is one bill plus its sponsor identity fields.
type BillRecord struct {
	Bill              parliament.Bill
	SponsorExternalID string
	SponsorFullName   string
}

// NaturalKey implements scraper.Keyed.
func (r BillRecord) NaturalKey() string { return r.Bill.Session + "/" + r.Bill.BillNumber }

// BillsSource ingests legislation status from LEGISinfo.
type BillsSource struct {
	clients    Clients
	endpoints  Endpoints
	members    parliament.MemberStore
	activities parliament.ActivityStore
}

// NewBillsSource builds the bills source.
func NewBillsSource(clients Clients, endpoints Endpoints, members parliament.MemberStore, activities parliament.ActivityStore) *BillsSource {
	return &BillsSource{
		clients:    clients,
		endpoints:  endpoints,
		members:    members,
		activities: activities,
	}
}

// Name implements scraper.Source.
func (s *BillsSource) Name() string { return "bills" }

// FetchPrimary retrieves the current session's bills.
func (s *BillsSource) FetchPrimary(ctx context.Context) ([]BillRecord, error) {
	var payload billsXML
	url := s.endpoints.Bills + "/en/bills/xml"
	if err := s.clients.XML.Get(ctx, url, &payload); err != nil {
		return nil, err
	}

	records := make([]BillRecord, 0, len(payload.Bills))
	for _, raw := range payload.Bills {
		introduced, _ := parseDate(raw.IntroducedDate)
		record := BillRecord{
			Bill: parliament.Bill{
				BillNumber:   strings.TrimSpace(raw.Number),
				Session:      strings.TrimSpace(raw.Session),
				Title:        strings.TrimSpace(raw.LongTitle),
				Status:       strings.TrimSpace(raw.Status),
				IntroducedAt: introduced,
			},
			SponsorExternalID: strings.TrimSpace(raw.SponsorPersonID),
			SponsorFullName:   strings.TrimSpace(raw.SponsorFullName),
		}
		if last, ok := parseDate(raw.LatestActivity); ok {
			record.Bill.LastEventAt = &last
		}
		records = append(records, record)
	}
	return records, nil
}

// Validate checks bill numbers, titles, and event ordering.
func (s *BillsSource) Validate(records []BillRecord) scraper.Validation {
	var v scraper.Validation
	for _, r := range records {
		key := r.NaturalKey()
		if r.Bill.BillNumber == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				"bill without a number", anomaly.SeverityHigh).
				WithMetadata("title", r.Bill.Title))
		}
		if r.Bill.Title == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				fmt.Sprintf("bill %q has no title", key), anomaly.SeverityMedium).
				WithMetadata("bill", key))
		}
		if r.Bill.LastEventAt != nil && !r.Bill.IntroducedAt.IsZero() &&
			r.Bill.LastEventAt.Before(r.Bill.IntroducedAt) {
			v.Add(anomaly.New(s.Name(), "", "referential",
				fmt.Sprintf("bill %q last event predates introduction", key),
				anomaly.SeverityMedium).
				WithMetadata("bill", key))
		}
	}
	return v
}

// Persist upserts the bill, resolving the sponsor when one is named.
// Bills without a resolvable sponsor are stored sponsorless; sponsors
// are nullable by design.
func (s *BillsSource) Persist(ctx context.Context, r BillRecord) error {
	if r.Bill.BillNumber == "" {
		return scraper.Skip("bill without a number")
	}
	bill := r.Bill
	if r.SponsorExternalID != "" || r.SponsorFullName != "" {
		member, err := resolveMember(ctx, s.members, r.SponsorExternalID, r.SponsorFullName)
		if err == nil {
			bill.SponsorID = &member.ID
		} else if !isSkip(err) {
			return err
		}
	}
	if err := s.activities.UpsertBill(ctx, bill); err != nil {
		return fmt.Errorf("upsert bill %s: %w", r.NaturalKey(), err)
	}
	return nil
}

func isSkip(err error) bool {
	var se *scraper.SkipError
	return errors.As(err, &se)
}
