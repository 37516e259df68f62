// Package anomaly models data-quality findings raised during ingestion
// validation and routed to human review. Anomalies never block
// ingestion and are never auto-deleted; review collapses duplicates.
package anomaly

import (
	"context"
	"fmt"
	"time"
)

// Severity classifies how suspicious a finding is.
type Severity string

// Severity levels, assigned by validation rule category rather than
// ad hoc per scraper.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Status is the review lifecycle state of an anomaly.
type Status string

// Review states. Only pending and reviewed permit further transitions.
const (
	StatusPending   Status = "pending"
	StatusReviewed  Status = "reviewed"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

// allowedTransitions is the review state machine: pending may move to
// any reviewed-family state, reviewed may still be closed out, and the
// terminal states admit nothing.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusReviewed, StatusResolved, StatusDismissed},
	StatusReviewed: {StatusResolved, StatusDismissed},
}

// CanTransition reports whether moving from one status to another is
// permitted.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a review action violates the
// status state machine.
type ErrInvalidTransition struct {
	From, To Status
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("anomaly status cannot move from %q to %q", e.From, e.To)
}

// Anomaly is a structured data-quality finding.
type Anomaly struct {
	ID          int64             `json:"id"`
	ScraperName string            `json:"scraper_name"`
	JobID       string            `json:"job_id"`
	Type        string            `json:"anomaly_type"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Status      Status            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReviewedBy  string            `json:"reviewed_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ReviewedAt  *time.Time        `json:"reviewed_at,omitempty"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// New builds a pending anomaly for a validation finding.
func New(scraperName, jobID, anomalyType, description string, severity Severity) Anomaly {
	return Anomaly{
		ScraperName: scraperName,
		JobID:       jobID,
		Type:        anomalyType,
		Description: description,
		Severity:    severity,
		Status:      StatusPending,
	}
}

// WithMetadata attaches a metadata key to the anomaly.
func (a Anomaly) WithMetadata(key, value string) Anomaly {
	if a.Metadata == nil {
		a.Metadata = map[string]string{}
	}
	a.Metadata[key] = value
	return a
}

// Filter narrows anomaly listings for the review interface.
type Filter struct {
	Status      *Status
	Severity    *Severity
	ScraperName string
	Limit       int
	Offset      int
}

// Store persists anomalies. Record is pure append; Transition mutates
// status under the state machine and stamps review metadata.
type Store interface {
	Record(ctx context.Context, a Anomaly) (int64, error)
	Transition(ctx context.Context, id int64, to Status, reviewer string) error
	List(ctx context.Context, f Filter) ([]Anomaly, error)
	Get(ctx context.Context, id int64) (Anomaly, error)
}
