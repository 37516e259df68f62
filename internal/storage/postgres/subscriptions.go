package postgres

import (
	"context"
	"fmt"

	"github.com/openparl/commons-tracker/internal/parliament"
)

// SubscriptionStore reads and mutates digest subscriptions,
// implementing parliament.SubscriptionStore.
type SubscriptionStore struct {
	db DB
}

// NewSubscriptionStore builds a SubscriptionStore over db.
func NewSubscriptionStore(db DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// ListActiveSubscriptions returns every active subscription.
func (s *SubscriptionStore) ListActiveSubscriptions(ctx context.Context) ([]parliament.Subscription, error) {
	rows, err := s.db.Query(ctx,
		"SELECT user_id, email, member_ids, active, created_at FROM subscriptions WHERE active")
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []parliament.Subscription
	for rows.Next() {
		var sub parliament.Subscription
		if err := rows.Scan(&sub.UserID, &sub.Email, &sub.MemberIDs, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeactivateSubscription turns off a user's digest, typically after a
// bounce or complaint.
func (s *SubscriptionStore) DeactivateSubscription(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx,
		"UPDATE subscriptions SET active = FALSE WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("deactivate subscription %s: %w", userID, err)
	}
	return nil
}
