package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/parliament"
	"github.com/openparl/commons-tracker/internal/scraper"
)

// expensesXML mirrors the proactive disclosure expenditure report.
type expensesXML struct {
	Reports []expenseXML `xml:"ExpenditureReport"`
}

type expenseXML struct {
	PersonID   string  `xml:"PersonId"`
	FirstName  string  `xml:"PersonOfficialFirstName"`
	LastName   string  `xml:"PersonOfficialLastName"`
	FiscalYear string  `xml:"FiscalYear"`
	Quarter    int     `xml:"Quarter"`
	Category   string  `xml:"CategoryName"`
	Amount     float64 `xml:"TotalAmount"`
	ReportDate string  `xml:"ReportDate"`
}

// ExpenseRecord is one expenditure line plus owner identity fields.
type ExpenseRecord struct {
	Expense    parliament.Expense
	ExternalID string
	FullName   string
}

// NaturalKey implements scraper.Keyed.
func (r ExpenseRecord) NaturalKey() string {
	return fmt.Sprintf("%s/%s-Q%d/%s", r.ExternalID, r.Expense.FiscalYear, r.Expense.Quarter, r.Expense.Category)
}

// ExpensesSource ingests quarterly expenditure disclosures.
type ExpensesSource struct {
	clients    Clients
	endpoints  Endpoints
	members    parliament.MemberStore
	activities parliament.ActivityStore
}

// NewExpensesSource builds the expenses source.
func NewExpensesSource(clients Clients, endpoints Endpoints, members parliament.MemberStore, activities parliament.ActivityStore) *ExpensesSource {
	return &ExpensesSource{
		clients:    clients,
		endpoints:  endpoints,
		members:    members,
		activities: activities,
	}
}

// Name implements scraper.Source.
func (s *ExpensesSource) Name() string { return "expenses" }

// FetchPrimary retrieves the latest expenditure report.
func (s *ExpensesSource) FetchPrimary(ctx context.Context) ([]ExpenseRecord, error) {
	var payload expensesXML
	url := s.endpoints.Commons + "/proactivedisclosure/en/members/xml"
	if err := s.clients.XML.Get(ctx, url, &payload); err != nil {
		return nil, err
	}

	records := make([]ExpenseRecord, 0, len(payload.Reports))
	for _, raw := range payload.Reports {
		reported, _ := parseDate(raw.ReportDate)
		records = append(records, ExpenseRecord{
			Expense: parliament.Expense{
				FiscalYear: strings.TrimSpace(raw.FiscalYear),
				Quarter:    raw.Quarter,
				Category:   strings.TrimSpace(raw.Category),
				Amount:     raw.Amount,
				ReportedAt: reported,
			},
			ExternalID: strings.TrimSpace(raw.PersonID),
			FullName:   joinName(raw.FirstName, raw.LastName),
		})
	}
	return records, nil
}

// Validate checks amounts and reporting periods.
func (s *ExpensesSource) Validate(records []ExpenseRecord) scraper.Validation {
	var v scraper.Validation
	for _, r := range records {
		key := r.NaturalKey()
		if r.Expense.Amount < 0 {
			v.Add(anomaly.New(s.Name(), "", "value_range",
				fmt.Sprintf("expense %q has negative amount %.2f", key, r.Expense.Amount),
				anomaly.SeverityHigh).
				WithMetadata("expense", key))
		}
		if r.Expense.Quarter < 1 || r.Expense.Quarter > 4 {
			v.Add(anomaly.New(s.Name(), "", "value_range",
				fmt.Sprintf("expense %q has quarter %d outside 1-4", key, r.Expense.Quarter),
				anomaly.SeverityMedium).
				WithMetadata("expense", key))
		}
		if r.Expense.FiscalYear == "" {
			v.Add(anomaly.New(s.Name(), "", "missing_field",
				fmt.Sprintf("expense %q has no fiscal year", key),
				anomaly.SeverityMedium).
				WithMetadata("expense", key))
		}
	}
	return v
}

// Persist resolves the owner and upserts by (member, period, category).
func (s *ExpensesSource) Persist(ctx context.Context, r ExpenseRecord) error {
	member, err := resolveMember(ctx, s.members, r.ExternalID, r.FullName)
	if err != nil {
		return err
	}
	expense := r.Expense
	expense.MemberID = member.ID
	if err := s.activities.UpsertExpense(ctx, expense); err != nil {
		return fmt.Errorf("upsert expense %s: %w", r.NaturalKey(), err)
	}
	return nil
}
