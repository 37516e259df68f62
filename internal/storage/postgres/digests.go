package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openparl/commons-tracker/internal/digest"
	"github.com/openparl/commons-tracker/internal/parliament"
)

// DigestStore persists the weekly send ledger, implementing
// digest.Store. The unique (user_id, week_identifier) constraint is
// the duplicate-send protection; InsertSent surfaces it as
// digest.ErrDuplicateWeek.
type DigestStore struct {
	db DB
}

// NewDigestStore builds a DigestStore over db.
func NewDigestStore(db DB) *DigestStore {
	return &DigestStore{db: db}
}

// ListSentUserIDs returns the users already recorded for the week.
func (s *DigestStore) ListSentUserIDs(ctx context.Context, weekID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		"SELECT user_id FROM weekly_digest_sent WHERE week_identifier = $1", weekID)
	if err != nil {
		return nil, fmt.Errorf("list sent records: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan sent user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// InsertSent writes one send record. A unique violation means another
// attempt already recorded this (user, week) and is reported as
// digest.ErrDuplicateWeek.
func (s *DigestStore) InsertSent(ctx context.Context, rec digest.SentRecord) error {
	const query = `
INSERT INTO weekly_digest_sent (user_id, week_identifier, job_id, delivery_status, provider_message_id, sent_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(ctx, query, rec.UserID, rec.WeekID, rec.JobID,
		string(rec.Status), rec.ProviderMessageID, rec.SentAt)
	if isUniqueViolation(err) {
		return digest.ErrDuplicateWeek
	}
	if err != nil {
		return fmt.Errorf("insert digest record: %w", err)
	}
	return nil
}

const sentColumns = `id, user_id, week_identifier, job_id, delivery_status,
	provider_message_id, sent_at, delivered_at, bounced_at`

// GetSentByMessageID resolves a provider callback to its record.
func (s *DigestStore) GetSentByMessageID(ctx context.Context, providerMessageID string) (digest.SentRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM weekly_digest_sent WHERE provider_message_id = $1", sentColumns)

	var rec digest.SentRecord
	var status string
	err := s.db.QueryRow(ctx, query, providerMessageID).Scan(
		&rec.ID, &rec.UserID, &rec.WeekID, &rec.JobID, &status,
		&rec.ProviderMessageID, &rec.SentAt, &rec.DeliveredAt, &rec.BouncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return digest.SentRecord{}, parliament.ErrNotFound
	}
	if err != nil {
		return digest.SentRecord{}, fmt.Errorf("load digest record: %w", err)
	}
	rec.Status = digest.DeliveryStatus(status)
	return rec, nil
}

// UpdateDelivery stamps the delivery status from a provider event.
func (s *DigestStore) UpdateDelivery(ctx context.Context, recordID int64, status digest.DeliveryStatus, at time.Time) error {
	query := "UPDATE weekly_digest_sent SET delivery_status = $2 WHERE id = $1"
	args := []any{recordID, string(status)}
	switch status {
	case digest.StatusDelivered:
		query = "UPDATE weekly_digest_sent SET delivery_status = $2, delivered_at = $3 WHERE id = $1"
		args = append(args, at)
	case digest.StatusBounced, digest.StatusComplained:
		query = "UPDATE weekly_digest_sent SET delivery_status = $2, bounced_at = $3 WHERE id = $1"
		args = append(args, at)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update delivery for record %d: %w", recordID, err)
	}
	return nil
}

// EmailEventStore remembers processed provider event ids, implementing
// digest.EventStore.
type EmailEventStore struct {
	db DB
}

// NewEmailEventStore builds an EmailEventStore over db.
func NewEmailEventStore(db DB) *EmailEventStore {
	return &EmailEventStore{db: db}
}

// MarkProcessed records the event id. Returns false when the id was
// already recorded, making webhook redelivery a no-op.
func (s *EmailEventStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"INSERT INTO email_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING", eventID)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
