package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetSeriesPosition returns 0 for a series with no recorded position.
func (s *PostgresStore) GetSeriesPosition(ctx context.Context, key SeriesKey) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		SELECT last_seq FROM series_positions
		WHERE subscr_seq_id = $1 AND target_key = $2 AND series_id = $3
	`, key.SubscriptionSeqID, key.TargetKey, key.SeriesID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("querying series position: %w", err)
	}
	return seq, nil
}

// SaveSeriesPosition never moves a position backwards and ignores series of
// subscriptions that no longer exist.
func (s *PostgresStore) SaveSeriesPosition(ctx context.Context, key SeriesKey, seq int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO series_positions (subscr_seq_id, target_key, series_id, last_seq, updated)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (SELECT 1 FROM subscriptions WHERE seq_id = $1)
		ON CONFLICT (subscr_seq_id, target_key, series_id) DO UPDATE
		SET last_seq = GREATEST(series_positions.last_seq, EXCLUDED.last_seq),
		    updated = EXCLUDED.updated
	`, key.SubscriptionSeqID, key.TargetKey, key.SeriesID, seq, at.UTC())
	if err != nil {
		return fmt.Errorf("saving series position: %w", err)
	}
	return nil
}
