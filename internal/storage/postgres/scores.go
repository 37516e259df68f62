package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openparl/commons-tracker/internal/parliament"
)

// ScoreStore persists append-only score snapshots and the configured
// weights, implementing parliament.ScoreStore.
type ScoreStore struct {
	db DB
}

// NewScoreStore builds a ScoreStore over db.
func NewScoreStore(db DB) *ScoreStore {
	return &ScoreStore{db: db}
}

// InsertScore appends one snapshot. Scores are never updated in place;
// the newest row per member is the current score.
func (s *ScoreStore) InsertScore(ctx context.Context, score parliament.CalculatedScore) error {
	const query = `
INSERT INTO calculated_scores (member_id, legislative, fiscal, engagement, participation, composite, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Exec(ctx, query, score.MemberID, score.Legislative, score.Fiscal,
		score.Engagement, score.Participation, score.Composite, score.CalculatedAt)
	if err != nil {
		return fmt.Errorf("insert score for member %d: %w", score.MemberID, err)
	}
	return nil
}

// LatestScore returns the most recent snapshot for a member.
func (s *ScoreStore) LatestScore(ctx context.Context, memberID int64) (parliament.CalculatedScore, error) {
	const query = `
SELECT id, member_id, legislative, fiscal, engagement, participation, composite, calculated_at
FROM calculated_scores WHERE member_id = $1
ORDER BY calculated_at DESC LIMIT 1`

	var score parliament.CalculatedScore
	err := s.db.QueryRow(ctx, query, memberID).Scan(&score.ID, &score.MemberID,
		&score.Legislative, &score.Fiscal, &score.Engagement, &score.Participation,
		&score.Composite, &score.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return parliament.CalculatedScore{}, parliament.ErrNotFound
	}
	if err != nil {
		return parliament.CalculatedScore{}, fmt.Errorf("load score for member %d: %w", memberID, err)
	}
	return score, nil
}

// GetWeights returns the configured scoring weights. An empty result
// means the caller should use its defaults.
func (s *ScoreStore) GetWeights(ctx context.Context) ([]parliament.ScoringWeight, error) {
	rows, err := s.db.Query(ctx, "SELECT metric, weight, description FROM scoring_weights")
	if err != nil {
		return nil, fmt.Errorf("list scoring weights: %w", err)
	}
	defer rows.Close()

	var weights []parliament.ScoringWeight
	for rows.Next() {
		var w parliament.ScoringWeight
		if err := rows.Scan(&w.Metric, &w.Weight, &w.Description); err != nil {
			return nil, fmt.Errorf("scan scoring weight: %w", err)
		}
		weights = append(weights, w)
	}
	return weights, rows.Err()
}
