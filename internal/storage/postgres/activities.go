package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openparl/commons-tracker/internal/parliament"
)

// ActivityStore persists per-domain activity records, implementing
// parliament.ActivityStore. Every write is an upsert keyed by the
// record's natural external key.
type ActivityStore struct {
	db DB
}

// NewActivityStore builds an ActivityStore over db.
func NewActivityStore(db DB) *ActivityStore {
	return &ActivityStore{db: db}
}

// UpsertVote writes one ballot, keyed by (member, session, number).
func (s *ActivityStore) UpsertVote(ctx context.Context, v parliament.Vote) error {
	const query = `
INSERT INTO votes (member_id, vote_number, session, bill_number, subject, result, voted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (member_id, session, vote_number) DO UPDATE SET
	bill_number = EXCLUDED.bill_number,
	subject     = EXCLUDED.subject,
	result      = EXCLUDED.result,
	voted_at    = EXCLUDED.voted_at`

	_, err := s.db.Exec(ctx, query, v.MemberID, v.VoteNumber, v.Session,
		v.BillNumber, v.Subject, string(v.Result), v.VotedAt)
	if err != nil {
		return fmt.Errorf("upsert vote %s: %w", v.NaturalKey(), err)
	}
	return nil
}

// UpsertBill writes one bill, keyed by (number, session). Status and
// last event are the fields that legitimately change over time.
func (s *ActivityStore) UpsertBill(ctx context.Context, b parliament.Bill) error {
	const query = `
INSERT INTO bills (sponsor_id, bill_number, session, title, status, introduced_at, last_event_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (bill_number, session) DO UPDATE SET
	sponsor_id    = COALESCE(EXCLUDED.sponsor_id, bills.sponsor_id),
	title         = EXCLUDED.title,
	status        = EXCLUDED.status,
	last_event_at = EXCLUDED.last_event_at`

	_, err := s.db.Exec(ctx, query, b.SponsorID, b.BillNumber, b.Session,
		b.Title, b.Status, b.IntroducedAt, b.LastEventAt)
	if err != nil {
		return fmt.Errorf("upsert bill %s: %w", b.BillNumber, err)
	}
	return nil
}

// UpsertExpense writes one expense line, keyed by member, fiscal
// period, and category.
func (s *ActivityStore) UpsertExpense(ctx context.Context, e parliament.Expense) error {
	const query = `
INSERT INTO expenses (member_id, fiscal_year, quarter, category, amount, reported_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (member_id, fiscal_year, quarter, category) DO UPDATE SET
	amount      = EXCLUDED.amount,
	reported_at = EXCLUDED.reported_at`

	_, err := s.db.Exec(ctx, query, e.MemberID, e.FiscalYear, e.Quarter,
		e.Category, e.Amount, e.ReportedAt)
	if err != nil {
		return fmt.Errorf("upsert expense %s/%s Q%d: %w", e.FiscalYear, e.Category, e.Quarter, err)
	}
	return nil
}

// UpsertPetition writes one petition, keyed by petition number.
func (s *ActivityStore) UpsertPetition(ctx context.Context, p parliament.Petition) error {
	const query = `
INSERT INTO petitions (sponsor_id, petition_number, subject, signatures, presented_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (petition_number) DO UPDATE SET
	sponsor_id   = COALESCE(EXCLUDED.sponsor_id, petitions.sponsor_id),
	subject      = EXCLUDED.subject,
	signatures   = EXCLUDED.signatures,
	presented_at = EXCLUDED.presented_at`

	_, err := s.db.Exec(ctx, query, p.SponsorID, p.PetitionNumber, p.Subject,
		p.Signatures, p.PresentedAt)
	if err != nil {
		return fmt.Errorf("upsert petition %s: %w", p.PetitionNumber, err)
	}
	return nil
}

// UpsertCommitteeParticipation writes one committee seat, keyed by
// member, committee, and start date. End date and meeting count are
// the fields that change.
func (s *ActivityStore) UpsertCommitteeParticipation(ctx context.Context, c parliament.CommitteeParticipation) error {
	const query = `
INSERT INTO committee_participations (member_id, committee_code, committee_name, role,
	start_date, end_date, meetings_attended)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (member_id, committee_code, start_date) DO UPDATE SET
	committee_name    = EXCLUDED.committee_name,
	role              = EXCLUDED.role,
	end_date          = EXCLUDED.end_date,
	meetings_attended = EXCLUDED.meetings_attended`

	_, err := s.db.Exec(ctx, query, c.MemberID, c.CommitteeCode, c.CommitteeName,
		c.Role, c.StartDate, c.EndDate, c.MeetingsAttended)
	if err != nil {
		return fmt.Errorf("upsert committee seat %s: %w", c.CommitteeCode, err)
	}
	return nil
}

func (s *ActivityStore) listVotes(ctx context.Context, where string, args ...any) ([]parliament.Vote, error) {
	query := `SELECT id, member_id, vote_number, session, bill_number, subject, result, voted_at
FROM votes WHERE ` + where + ` ORDER BY voted_at DESC`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []parliament.Vote
	for rows.Next() {
		var v parliament.Vote
		var result string
		if err := rows.Scan(&v.ID, &v.MemberID, &v.VoteNumber, &v.Session,
			&v.BillNumber, &v.Subject, &result, &v.VotedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.Result = parliament.VoteResult(result)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// ListVotesByMember returns all recorded ballots for a member.
func (s *ActivityStore) ListVotesByMember(ctx context.Context, memberID int64) ([]parliament.Vote, error) {
	return s.listVotes(ctx, "member_id = $1", memberID)
}

func scanBills(rows pgx.Rows) ([]parliament.Bill, error) {
	defer rows.Close()
	var bills []parliament.Bill
	for rows.Next() {
		var b parliament.Bill
		if err := rows.Scan(&b.ID, &b.SponsorID, &b.BillNumber, &b.Session,
			&b.Title, &b.Status, &b.IntroducedAt, &b.LastEventAt); err != nil {
			return nil, fmt.Errorf("scan bill: %w", err)
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

// ListBillsBySponsor returns all bills sponsored by a member.
func (s *ActivityStore) ListBillsBySponsor(ctx context.Context, memberID int64) ([]parliament.Bill, error) {
	const query = `SELECT id, sponsor_id, bill_number, session, title, status, introduced_at, last_event_at
FROM bills WHERE sponsor_id = $1 ORDER BY introduced_at DESC`
	rows, err := s.db.Query(ctx, query, memberID)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	return scanBills(rows)
}

// ListExpensesByMember returns all expense lines for a member.
func (s *ActivityStore) ListExpensesByMember(ctx context.Context, memberID int64) ([]parliament.Expense, error) {
	const query = `SELECT id, member_id, fiscal_year, quarter, category, amount, reported_at
FROM expenses WHERE member_id = $1 ORDER BY fiscal_year, quarter`
	rows, err := s.db.Query(ctx, query, memberID)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []parliament.Expense
	for rows.Next() {
		var e parliament.Expense
		if err := rows.Scan(&e.ID, &e.MemberID, &e.FiscalYear, &e.Quarter,
			&e.Category, &e.Amount, &e.ReportedAt); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

func scanPetitions(rows pgx.Rows) ([]parliament.Petition, error) {
	defer rows.Close()
	var petitions []parliament.Petition
	for rows.Next() {
		var p parliament.Petition
		if err := rows.Scan(&p.ID, &p.SponsorID, &p.PetitionNumber, &p.Subject,
			&p.Signatures, &p.PresentedAt); err != nil {
			return nil, fmt.Errorf("scan petition: %w", err)
		}
		petitions = append(petitions, p)
	}
	return petitions, rows.Err()
}

// ListPetitionsBySponsor returns all petitions sponsored by a member.
func (s *ActivityStore) ListPetitionsBySponsor(ctx context.Context, memberID int64) ([]parliament.Petition, error) {
	const query = `SELECT id, sponsor_id, petition_number, subject, signatures, presented_at
FROM petitions WHERE sponsor_id = $1 ORDER BY presented_at DESC`
	rows, err := s.db.Query(ctx, query, memberID)
	if err != nil {
		return nil, fmt.Errorf("list petitions: %w", err)
	}
	return scanPetitions(rows)
}

func scanCommittees(rows pgx.Rows) ([]parliament.CommitteeParticipation, error) {
	defer rows.Close()
	var seats []parliament.CommitteeParticipation
	for rows.Next() {
		var c parliament.CommitteeParticipation
		if err := rows.Scan(&c.ID, &c.MemberID, &c.CommitteeCode, &c.CommitteeName,
			&c.Role, &c.StartDate, &c.EndDate, &c.MeetingsAttended); err != nil {
			return nil, fmt.Errorf("scan committee seat: %w", err)
		}
		seats = append(seats, c)
	}
	return seats, rows.Err()
}

// ListCommitteesByMember returns all committee seats for a member.
func (s *ActivityStore) ListCommitteesByMember(ctx context.Context, memberID int64) ([]parliament.CommitteeParticipation, error) {
	const query = `SELECT id, member_id, committee_code, committee_name, role, start_date, end_date, meetings_attended
FROM committee_participations WHERE member_id = $1 ORDER BY start_date DESC`
	rows, err := s.db.Query(ctx, query, memberID)
	if err != nil {
		return nil, fmt.Errorf("list committee seats: %w", err)
	}
	return scanCommittees(rows)
}

// MemberActivitySince gathers the member's activity after the cutoff,
// used by the weekly digest.
func (s *ActivityStore) MemberActivitySince(ctx context.Context, memberID int64, since time.Time) (parliament.ActivitySummary, error) {
	summary := parliament.ActivitySummary{MemberID: memberID}

	votes, err := s.listVotes(ctx, "member_id = $1 AND voted_at >= $2", memberID, since)
	if err != nil {
		return summary, err
	}
	summary.Votes = votes

	const billQuery = `SELECT id, sponsor_id, bill_number, session, title, status, introduced_at, last_event_at
FROM bills WHERE sponsor_id = $1 AND (introduced_at >= $2 OR last_event_at >= $2)
ORDER BY introduced_at DESC`
	billRows, err := s.db.Query(ctx, billQuery, memberID, since)
	if err != nil {
		return summary, fmt.Errorf("list recent bills: %w", err)
	}
	if summary.Bills, err = scanBills(billRows); err != nil {
		return summary, err
	}

	const petitionQuery = `SELECT id, sponsor_id, petition_number, subject, signatures, presented_at
FROM petitions WHERE sponsor_id = $1 AND presented_at >= $2 ORDER BY presented_at DESC`
	petitionRows, err := s.db.Query(ctx, petitionQuery, memberID, since)
	if err != nil {
		return summary, fmt.Errorf("list recent petitions: %w", err)
	}
	if summary.Petitions, err = scanPetitions(petitionRows); err != nil {
		return summary, err
	}

	const committeeQuery = `SELECT id, member_id, committee_code, committee_name, role, start_date, end_date, meetings_attended
FROM committee_participations WHERE member_id = $1 AND start_date >= $2 ORDER BY start_date DESC`
	committeeRows, err := s.db.Query(ctx, committeeQuery, memberID, since)
	if err != nil {
		return summary, fmt.Errorf("list recent committee seats: %w", err)
	}
	if summary.Committees, err = scanCommittees(committeeRows); err != nil {
		return summary, err
	}

	const expenseQuery = `SELECT id, member_id, fiscal_year, quarter, category, amount, reported_at
FROM expenses WHERE member_id = $1 AND reported_at >= $2 ORDER BY reported_at DESC`
	expenseRows, err := s.db.Query(ctx, expenseQuery, memberID, since)
	if err != nil {
		return summary, fmt.Errorf("list recent expenses: %w", err)
	}
	defer expenseRows.Close()
	for expenseRows.Next() {
		var e parliament.Expense
		if err := expenseRows.Scan(&e.ID, &e.MemberID, &e.FiscalYear, &e.Quarter,
			&e.Category, &e.Amount, &e.ReportedAt); err != nil {
			return summary, fmt.Errorf("scan recent expense: %w", err)
		}
		summary.Expenses = append(summary.Expenses, e)
	}
	return summary, expenseRows.Err()
}
