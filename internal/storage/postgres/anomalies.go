package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/parliament"
)

// AnomalyStore persists validation findings, implementing
// anomaly.Store. Status mutation enforces the review state machine
// inside a transaction so concurrent reviewers cannot race past it.
type AnomalyStore struct {
	db      DB
	builder sq.StatementBuilderType
}

// NewAnomalyStore builds an AnomalyStore over db.
func NewAnomalyStore(db DB) *AnomalyStore {
	return &AnomalyStore{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Record appends one anomaly. No dedup: repeated runs may re-report a
// persisting condition and review collapses the duplicates.
func (s *AnomalyStore) Record(ctx context.Context, a anomaly.Anomaly) (int64, error) {
	const query = `
INSERT INTO anomalies (scraper_name, job_id, anomaly_type, description, severity, status, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`

	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	status := a.Status
	if status == "" {
		status = anomaly.StatusPending
	}

	var id int64
	err := s.db.QueryRow(ctx, query, a.ScraperName, a.JobID, a.Type, a.Description,
		string(a.Severity), string(status), metadata).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record anomaly: %w", err)
	}
	return id, nil
}

// Transition moves an anomaly through the review state machine,
// stamping reviewed_at/reviewed_by or resolved_at as appropriate.
func (s *AnomalyStore) Transition(ctx context.Context, id int64, to anomaly.Status, reviewer string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, "SELECT status FROM anomalies WHERE id = $1 FOR UPDATE", id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return parliament.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load anomaly %d: %w", id, err)
	}

	from := anomaly.Status(current)
	if !anomaly.CanTransition(from, to) {
		return anomaly.ErrInvalidTransition{From: from, To: to}
	}

	update := s.builder.Update("anomalies").
		Set("status", string(to)).
		Where(sq.Eq{"id": id})
	switch to {
	case anomaly.StatusReviewed:
		update = update.Set("reviewed_at", sq.Expr("now()")).Set("reviewed_by", reviewer)
	case anomaly.StatusResolved:
		update = update.Set("resolved_at", sq.Expr("now()"))
		if from == anomaly.StatusPending {
			update = update.Set("reviewed_at", sq.Expr("now()")).Set("reviewed_by", reviewer)
		}
	}

	query, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("build transition query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("transition anomaly %d: %w", id, err)
	}
	return tx.Commit(ctx)
}

const anomalyColumns = `id, scraper_name, job_id, anomaly_type, description, severity,
	status, metadata, reviewed_by, created_at, reviewed_at, resolved_at`

func scanAnomaly(row pgx.Row) (anomaly.Anomaly, error) {
	var a anomaly.Anomaly
	var severity, status string
	err := row.Scan(&a.ID, &a.ScraperName, &a.JobID, &a.Type, &a.Description,
		&severity, &status, &a.Metadata, &a.ReviewedBy,
		&a.CreatedAt, &a.ReviewedAt, &a.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return anomaly.Anomaly{}, parliament.ErrNotFound
	}
	if err != nil {
		return anomaly.Anomaly{}, fmt.Errorf("scan anomaly: %w", err)
	}
	a.Severity = anomaly.Severity(severity)
	a.Status = anomaly.Status(status)
	return a, nil
}

// List returns anomalies matching the filter, newest first.
func (s *AnomalyStore) List(ctx context.Context, f anomaly.Filter) ([]anomaly.Anomaly, error) {
	builder := s.builder.Select(anomalyColumns).
		From("anomalies").
		OrderBy("created_at DESC")
	if f.Status != nil {
		builder = builder.Where(sq.Eq{"status": string(*f.Status)})
	}
	if f.Severity != nil {
		builder = builder.Where(sq.Eq{"severity": string(*f.Severity)})
	}
	if f.ScraperName != "" {
		builder = builder.Where(sq.Eq{"scraper_name": f.ScraperName})
	}
	if f.Limit > 0 {
		builder = builder.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		builder = builder.Offset(uint64(f.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build anomaly query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []anomaly.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}
	return anomalies, rows.Err()
}

// Get loads one anomaly by id.
func (s *AnomalyStore) Get(ctx context.Context, id int64) (anomaly.Anomaly, error) {
	query := fmt.Sprintf("SELECT %s FROM anomalies WHERE id = $1", anomalyColumns)
	return scanAnomaly(s.db.QueryRow(ctx, query, id))
}
