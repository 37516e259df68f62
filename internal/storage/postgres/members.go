package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openparl/commons-tracker/internal/parliament"
)

// MemberStore persists members, implementing parliament.MemberStore.
type MemberStore struct {
	db DB
}

// NewMemberStore builds a MemberStore over db.
func NewMemberStore(db DB) *MemberStore {
	return &MemberStore{db: db}
}

const memberColumns = `id, external_id, full_name, constituency, province, party,
	email, phone, photo_url, active, first_seen_at, updated_at, deactivated_at`

func scanMember(row pgx.Row) (parliament.Member, error) {
	var m parliament.Member
	err := row.Scan(&m.ID, &m.ExternalID, &m.FullName, &m.Constituency, &m.Province,
		&m.Party, &m.Email, &m.Phone, &m.PhotoURL, &m.Active,
		&m.FirstSeenAt, &m.UpdatedAt, &m.DeactivatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return parliament.Member{}, parliament.ErrNotFound
	}
	if err != nil {
		return parliament.Member{}, fmt.Errorf("scan member: %w", err)
	}
	return m, nil
}

// UpsertMember inserts or refreshes a member keyed by external id.
// Empty incoming contact fields never overwrite data already on the
// row; the detail scraper sends only what it found.
func (s *MemberStore) UpsertMember(ctx context.Context, m parliament.Member) (int64, error) {
	if m.ExternalID == "" {
		// Identity is keyed on the external id; an empty one would
		// collapse distinct members into a single row.
		return 0, fmt.Errorf("upsert member %q: external id is required", m.FullName)
	}
	const query = `
INSERT INTO members (external_id, full_name, constituency, province, party,
	email, phone, photo_url, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
ON CONFLICT (external_id) DO UPDATE SET
	full_name    = EXCLUDED.full_name,
	constituency = COALESCE(NULLIF(EXCLUDED.constituency, ''), members.constituency),
	province     = COALESCE(NULLIF(EXCLUDED.province, ''), members.province),
	party        = COALESCE(NULLIF(EXCLUDED.party, ''), members.party),
	email        = COALESCE(NULLIF(EXCLUDED.email, ''), members.email),
	phone        = COALESCE(NULLIF(EXCLUDED.phone, ''), members.phone),
	photo_url    = COALESCE(NULLIF(EXCLUDED.photo_url, ''), members.photo_url),
	active       = TRUE,
	deactivated_at = NULL,
	updated_at   = now()
RETURNING id`

	var id int64
	err := s.db.QueryRow(ctx, query, m.ExternalID, m.FullName, m.Constituency,
		m.Province, m.Party, m.Email, m.Phone, m.PhotoURL).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert member %s: %w", m.ExternalID, err)
	}
	return id, nil
}

// GetMemberByID loads one member by internal id.
func (s *MemberStore) GetMemberByID(ctx context.Context, id int64) (parliament.Member, error) {
	query := fmt.Sprintf("SELECT %s FROM members WHERE id = $1", memberColumns)
	return scanMember(s.db.QueryRow(ctx, query, id))
}

// GetMemberByExternalID loads one member by external person id.
func (s *MemberStore) GetMemberByExternalID(ctx context.Context, externalID string) (parliament.Member, error) {
	query := fmt.Sprintf("SELECT %s FROM members WHERE external_id = $1", memberColumns)
	return scanMember(s.db.QueryRow(ctx, query, externalID))
}

// GetMemberByFullName loads one member by exact display name.
func (s *MemberStore) GetMemberByFullName(ctx context.Context, fullName string) (parliament.Member, error) {
	query := fmt.Sprintf("SELECT %s FROM members WHERE full_name = $1 AND active", memberColumns)
	return scanMember(s.db.QueryRow(ctx, query, fullName))
}

// ListActiveMembers returns all active members ordered by name.
func (s *MemberStore) ListActiveMembers(ctx context.Context) ([]parliament.Member, error) {
	query := fmt.Sprintf("SELECT %s FROM members WHERE active ORDER BY full_name", memberColumns)
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	defer rows.Close()

	var members []parliament.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// DeactivateMembersNotIn marks active members absent from the roster
// as deactivated and returns how many were affected. Members are never
// deleted.
func (s *MemberStore) DeactivateMembersNotIn(ctx context.Context, externalIDs []string) (int64, error) {
	const query = `
UPDATE members SET active = FALSE, deactivated_at = now(), updated_at = now()
WHERE active AND external_id IS NOT NULL AND NOT (external_id = ANY($1))`

	tag, err := s.db.Exec(ctx, query, externalIDs)
	if err != nil {
		return 0, fmt.Errorf("deactivate members: %w", err)
	}
	return tag.RowsAffected(), nil
}
