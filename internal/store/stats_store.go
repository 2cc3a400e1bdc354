package store

import (
	"context"
	"fmt"
)

// Stats returns aggregate counts for the operator dashboard.
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM subscriptions),
			(SELECT COUNT(*) FROM notifications),
			(SELECT COUNT(*) FROM notifications_recovery WHERE dead_lettered_at IS NULL),
			(SELECT COUNT(*) FROM notifications_recovery WHERE dead_lettered_at IS NOT NULL),
			(SELECT COUNT(*) FROM notifications_last_event)
	`).Scan(&st.Subscriptions, &st.PendingNotifications, &st.RecoveryPending, &st.DeadLetters, &st.Buckets)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	return &st, nil
}
