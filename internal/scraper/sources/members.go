package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/parliament"
	"github.com/openparl/commons-tracker/internal/scraper"
)

// memberSearchXML mirrors the member search endpoint payload.
type memberSearchXML struct {
	Members []memberXML `xml:"MemberOfParliament"`
}

type memberXML struct {
	PersonID     string `xml:"PersonId"`
	FirstName    string `xml:"PersonOfficialFirstName"`
	LastName     string `xml:"PersonOfficialLastName"`
	Constituency string `xml:"ConstituencyName"`
	Province     string `xml:"ConstituencyProvinceTerritoryName"`
	Caucus       string `xml:"CaucusShortName"`
}

// MemberListSource ingests the roster of sitting members. After a
// successful run the caller may deactivate members absent from the
// roster; the source itself only upserts.
type MemberListSource struct {
	clients   Clients
	endpoints Endpoints
	members   parliament.MemberStore
	clock     parliament.Clock

	seenExternalIDs []string
}

// NewMemberListSource builds the roster source.
func NewMemberListSource(clients Clients, endpoints Endpoints, members parliament.MemberStore, clock parliament.Clock) *MemberListSource {
	return &MemberListSource{
		clients:   clients,
		endpoints: endpoints,
		members:   members,
		clock:     clock,
	}
}

// Name implements scraper.Source.
func (s *MemberListSource) Name() string { return "members" }

// FetchPrimary retrieves the member roster XML.
func (s *MemberListSource) FetchPrimary(ctx context.Context) ([]parliament.Member, error) {
	var payload memberSearchXML
	url := s.endpoints.Commons + "/members/en/search/xml"
	if err := s.clients.XML.Get(ctx, url, &payload); err != nil {
		return nil, err
	}
	return s.mapMembers(payload.Members), nil
}

// FetchFallback scrapes the HTML roster page when the XML endpoint is
// unavailable.
func (s *MemberListSource) FetchFallback(ctx context.Context) ([]parliament.Member, error) {
	url := s.endpoints.Commons + "/members/en/search"
	body, err := s.clients.fetchFallbackHTML(ctx, url)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("parse roster html: %w", err)
	}

	var members []parliament.Member
	now := s.clock.Now()
	doc.Find(".ce-mip-mp-tile").Each(func(_ int, tile *goquery.Selection) {
		href, _ := tile.Find("a").Attr("href")
		members = append(members, parliament.Member{
			ExternalID:   externalIDFromProfileURL(href),
			FullName:     strings.TrimSpace(tile.Find(".ce-mip-mp-name").Text()),
			Constituency: strings.TrimSpace(tile.Find(".ce-mip-mp-constituency").Text()),
			Province:     strings.TrimSpace(tile.Find(".ce-mip-mp-province").Text()),
			Party:        strings.TrimSpace(tile.Find(".ce-mip-mp-party").Text()),
			Active:       true,
			FirstSeenAt:  now,
			UpdatedAt:    now,
		})
	})
	if len(members) == 0 {
		return nil, fmt.Errorf("roster html yielded no members")
	}
	return members, nil
}

func (s *MemberListSource) mapMembers(raw []memberXML) []parliament.Member {
	now := s.clock.Now()
	out := make([]parliament.Member, 0, len(raw))
	for _, m := range raw {
		out = append(out, parliament.Member{
			ExternalID:   strings.TrimSpace(m.PersonID),
			FullName:     joinName(m.FirstName, m.LastName),
			Constituency: strings.TrimSpace(m.Constituency),
			Province:     strings.TrimSpace(m.Province),
			Party:        strings.TrimSpace(m.Caucus),
			Active:       true,
			FirstSeenAt:  now,
			UpdatedAt:    now,
		})
	}
	return out
}

// Validate checks the roster for required fields.
func (s *MemberListSource) Validate(members []parliament.Member) scraper.Validation {
	var v scraper.Validation
	if len(members) == 0 {
		v.Add(anomaly.New(s.Name(), "", "empty_batch",
			"member roster came back empty", anomaly.SeverityHigh))
		return v
	}
	for _, m := range members {
		if m.FullName == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				fmt.Sprintf("member %q has no name", m.ExternalID), anomaly.SeverityHigh).
				WithMetadata("external_id", m.ExternalID))
		}
		if m.ExternalID == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				fmt.Sprintf("member %q has no external person id", m.FullName),
				anomaly.SeverityMedium).
				WithMetadata("full_name", m.FullName))
		}
		if m.Constituency == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				fmt.Sprintf("member %q has no constituency", m.FullName),
				anomaly.SeverityLow).
				WithMetadata("full_name", m.FullName))
		}
	}
	return v
}

// Persist upserts one member and remembers its external id for the
// deactivation pass. Entries with no external person id are skipped:
// member identity is keyed on it, and an id is never fabricated.
func (s *MemberListSource) Persist(ctx context.Context, m parliament.Member) error {
	if m.FullName == "" {
		return scraper.Skip("member without a name")
	}
	if m.ExternalID == "" {
		return scraper.Skip("member without an external person id")
	}
	if _, err := s.members.UpsertMember(ctx, m); err != nil {
		return fmt.Errorf("upsert member %q: %w", m.FullName, err)
	}
	s.seenExternalIDs = append(s.seenExternalIDs, m.ExternalID)
	return nil
}

// DeactivateMissing marks members absent from the just-ingested roster
// inactive. Members are never deleted.
func (s *MemberListSource) DeactivateMissing(ctx context.Context, logger *zap.Logger) error {
	if len(s.seenExternalIDs) == 0 {
		// An empty roster means the run failed upstream; deactivating
		// everyone on it would be destructive.
		return nil
	}
	n, err := s.members.DeactivateMembersNotIn(ctx, s.seenExternalIDs)
	if err != nil {
		return fmt.Errorf("deactivate missing members: %w", err)
	}
	if n > 0 {
		logger.Info("deactivated members missing from roster", zap.Int64("count", n))
	}
	return nil
}

func externalIDFromProfileURL(href string) string {
	// Profile links end in /members/en/<slug>(<person id>).
	open := strings.LastIndex(href, "(")
	end := strings.LastIndex(href, ")")
	if open == -1 || end == -1 || end <= open+1 {
		return ""
	}
	return href[open+1 : end]
}

// memberProfileXML mirrors the per-member profile endpoint.
type memberProfileXML struct {
	PersonID  string `xml:"PersonId"`
	Email     string `xml:"PersonContactEmail"`
	Phone     string `xml:"PersonContactPhone"`
	PhotoURL  string `xml:"PersonPhotoUrl"`
	FirstName string `xml:"PersonOfficialFirstName"`
	LastName  string `xml:"PersonOfficialLastName"`
}

// MemberDetail carries contact fields fetched per member.
type MemberDetail struct {
	Member   parliament.Member
	Email    string
	Phone    string
	PhotoURL string
}

// NaturalKey implements scraper.Keyed.
func (d MemberDetail) NaturalKey() string { return d.Member.ExternalID }

// MemberDetailSource enriches each active member with contact fields,
// one external call per member. Fallback runs per unit: one member's
// profile failing over to HTML does not disturb the rest.
type MemberDetailSource struct {
	clients   Clients
	endpoints Endpoints
	members   parliament.MemberStore
	runner    *scraper.Runner
	timeout   time.Duration
}

// NewMemberDetailSource builds the per-member profile source.
func NewMemberDetailSource(
	clients Clients,
	endpoints Endpoints,
	members parliament.MemberStore,
	runner *scraper.Runner,
	timeout time.Duration,
) *MemberDetailSource {
	return &MemberDetailSource{
		clients:   clients,
		endpoints: endpoints,
		members:   members,
		runner:    runner,
		timeout:   timeout,
	}
}

// Name implements scraper.Source.
func (s *MemberDetailSource) Name() string { return "member-details" }

// FetchPrimary iterates active members, fetching each profile with the
// courtesy delay, per-unit retry, and per-unit HTML fallback. Units
// that fail every path are dropped from the batch, not fatal.
func (s *MemberDetailSource) FetchPrimary(ctx context.Context) ([]MemberDetail, error) {
	members, err := s.members.ListActiveMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}

	details := make([]MemberDetail, 0, len(members))
	for _, m := range members {
		if m.ExternalID == "" {
			continue
		}
		if err := s.runner.WaitUnit(ctx); err != nil {
			return details, err
		}
		detail, fetchErr := s.fetchOne(ctx, m)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return details, ctx.Err()
			}
			s.runner.Logger.Warn("member profile unavailable",
				zap.String("source", s.Name()),
				zap.String("external_id", m.ExternalID),
				zap.Error(fetchErr),
			)
			continue
		}
		details = append(details, detail)
	}
	return details, nil
}

func (s *MemberDetailSource) fetchOne(ctx context.Context, m parliament.Member) (MemberDetail, error) {
	unitCtx, cancel := scraper.UnitTimeout(ctx, s.timeout)
	defer cancel()

	primary := func(ctx context.Context) ([]MemberDetail, error) {
		var profile memberProfileXML
		url := fmt.Sprintf("%s/members/en/%s/xml", s.endpoints.Commons, m.ExternalID)
		if err := s.clients.XML.Get(ctx, url, &profile); err != nil {
			return nil, err
		}
		return []MemberDetail{{
			Member:   m,
			Email:    strings.TrimSpace(profile.Email),
			Phone:    strings.TrimSpace(profile.Phone),
			PhotoURL: strings.TrimSpace(profile.PhotoURL),
		}}, nil
	}
	fallback := func(ctx context.Context) ([]MemberDetail, error) {
		detail, err := s.scrapeProfileHTML(ctx, m)
		if err != nil {
			return nil, err
		}
		return []MemberDetail{detail}, nil
	}

	units, _, err := scraper.Fetch(unitCtx, s.runner, s.Name(), primary, fallback)
	if err != nil {
		return MemberDetail{}, err
	}
	return units[0], nil
}

func (s *MemberDetailSource) scrapeProfileHTML(ctx context.Context, m parliament.Member) (MemberDetail, error) {
	url := fmt.Sprintf("%s/members/en/%s", s.endpoints.Commons, m.ExternalID)
	body, err := s.clients.fetchFallbackHTML(ctx, url)
	if err != nil {
		return MemberDetail{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return MemberDetail{}, fmt.Errorf("parse profile html: %w", err)
	}
	detail := MemberDetail{Member: m}
	if href, ok := doc.Find("a[href^='mailto:']").Attr("href"); ok {
		detail.Email = strings.TrimPrefix(href, "mailto:")
	}
	detail.Phone = strings.TrimSpace(doc.Find(".ce-mip-contact-phone").First().Text())
	if src, ok := doc.Find(".ce-mip-mp-picture img").Attr("src"); ok {
		detail.PhotoURL = src
	}
	return detail, nil
}

// Validate flags profiles with no usable contact information.
func (s *MemberDetailSource) Validate(details []MemberDetail) scraper.Validation {
	var v scraper.Validation
	for _, d := range details {
		if d.Email == "" && d.Phone == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				fmt.Sprintf("member %q profile has no contact fields", d.Member.FullName),
				anomaly.SeverityLow).
				WithMetadata("external_id", d.Member.ExternalID))
		}
	}
	return v
}

// Persist merges the contact fields into the stored member.
func (s *MemberDetailSource) Persist(ctx context.Context, d MemberDetail) error {
	m := d.Member
	if d.Email != "" {
		m.Email = d.Email
	}
	if d.Phone != "" {
		m.Phone = d.Phone
	}
	if d.PhotoURL != "" {
		m.PhotoURL = d.PhotoURL
	}
	if _, err := s.members.UpsertMember(ctx, m); err != nil {
		return fmt.Errorf("update member %q: %w", m.FullName, err)
	}
	return nil
}
