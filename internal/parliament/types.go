// Package parliament defines core types shared across subsystems.
package parliament

import (
	"strconv"
	"time"
)

// Member is a sitting or former Member of Parliament.
type Member struct {
	ID            int64      `json:"id"`
	ExternalID    string     `json:"external_id"`
	FullName      string     `json:"full_name"`
	Constituency  string     `json:"constituency"`
	Province      string     `json:"province"`
	Party         string     `json:"party"`
	Email         string     `json:"email,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	PhotoURL      string     `json:"photo_url,omitempty"`
	Active        bool       `json:"active"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// VoteResult is a member's recorded position on a division.
type VoteResult string

// Vote result values as published by the House.
const (
	VoteYea       VoteResult = "yea"
	VoteNay       VoteResult = "nay"
	VotePaired    VoteResult = "paired"
	VoteAbstained VoteResult = "abstained"
)

// Substantive reports whether the result counts as taking a position.
func (r VoteResult) Substantive() bool {
	return r == VoteYea || r == VoteNay
}

// Vote is one member's ballot in one recorded division.
type Vote struct {
	ID         int64      `json:"id"`
	MemberID   int64      `json:"member_id"`
	VoteNumber int        `json:"vote_number"`
	Session    string     `json:"session"`
	BillNumber string     `json:"bill_number,omitempty"`
	Subject    string     `json:"subject"`
	Result     VoteResult `json:"result"`
	VotedAt    time.Time  `json:"voted_at"`
}

// NaturalKey returns the upsert key for a vote row.
func (v Vote) NaturalKey() string {
	return v.Session + "/" + strconv.Itoa(v.VoteNumber)
}

// Bill is a piece of legislation, optionally sponsored by a member.
type Bill struct {
	ID            int64      `json:"id"`
	SponsorID     *int64     `json:"sponsor_id,omitempty"`
	BillNumber    string     `json:"bill_number"`
	Session       string     `json:"session"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	IntroducedAt  time.Time  `json:"introduced_at"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
}

// Expense is one quarterly expenditure line reported for a member.
type Expense struct {
	ID        int64     `json:"id"`
	MemberID  int64     `json:"member_id"`
	FiscalYear string   `json:"fiscal_year"`
	Quarter   int       `json:"quarter"`
	Category  string    `json:"category"`
	Amount    float64   `json:"amount"`
	ReportedAt time.Time `json:"reported_at"`
}

// Petition is a public petition presented to the House.
type Petition struct {
	ID             int64     `json:"id"`
	SponsorID      *int64    `json:"sponsor_id,omitempty"`
	PetitionNumber string    `json:"petition_number"`
	Subject        string    `json:"subject"`
	Signatures     int       `json:"signatures"`
	PresentedAt    time.Time `json:"presented_at"`
}

// CommitteeParticipation records a member's seat on a committee.
type CommitteeParticipation struct {
	ID            int64      `json:"id"`
	MemberID      int64      `json:"member_id"`
	CommitteeCode string     `json:"committee_code"`
	CommitteeName string     `json:"committee_name"`
	Role          string     `json:"role"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       *time.Time `json:"end_date,omitempty"`
	MeetingsAttended int     `json:"meetings_attended"`
}

// Leadership reports whether the seat carries a leadership role.
func (c CommitteeParticipation) Leadership() bool {
	return c.Role == "chair" || c.Role == "vice-chair"
}

// CalculatedScore is one append-only scoring snapshot for a member.
type CalculatedScore struct {
	ID            int64     `json:"id"`
	MemberID      int64     `json:"member_id"`
	Legislative   float64   `json:"legislative"`
	Fiscal        float64   `json:"fiscal"`
	Engagement    float64   `json:"engagement"`
	Participation float64   `json:"participation"`
	Composite     int       `json:"composite"`
	CalculatedAt  time.Time `json:"calculated_at"`
}

// ScoringWeight is an externally configured weight for one sub-score.
type ScoringWeight struct {
	Metric      string  `json:"metric"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
}

// Subscription ties a user to the members they follow for the digest.
type Subscription struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	MemberIDs []int64   `json:"member_ids"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
