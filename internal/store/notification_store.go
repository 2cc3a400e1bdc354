package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/jackc/pgx/v5"
)

const notificationColumns = `seq_id, COALESCE(subscr_seq_id, 0), tenant, owner, subscr_name,
	bucket_number, event_uuid, event, delivery_target, created`

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	err := row.Scan(
		&n.SeqID, &n.SubscriptionSeqID, &n.Tenant, &n.Owner, &n.SubscriptionName,
		&n.BucketNumber, &n.EventUUID, &n.Event, &n.DeliveryTarget, &n.Created,
	)
	if err != nil {
		return nil, err
	}
	n.Created = n.Created.UTC()
	return &n, nil
}

// CommitBucketEvent applies one bucket's PERSISTING step atomically.
// Notifications whose subscription no longer exists are skipped, since the
// store, not the worker's cached index, decides what is live. The returned
// slice holds the rows actually written, with SeqIDs assigned.
func (s *PostgresStore) CommitBucketEvent(ctx context.Context, commit BucketCommit) ([]domain.Notification, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	persisted := make([]domain.Notification, 0, len(commit.Notifications))
	for _, n := range commit.Notifications {
		err := tx.QueryRow(ctx, `
			INSERT INTO notifications (subscr_seq_id, tenant, owner, subscr_name,
				bucket_number, event_uuid, event, delivery_target, created)
			SELECT seq_id, $2, $3, $4, $5, $6, $7, $8, $9
			FROM subscriptions WHERE seq_id = $1
			RETURNING seq_id
		`, n.SubscriptionSeqID, n.Tenant, n.Owner, n.SubscriptionName,
			n.BucketNumber, n.EventUUID, n.Event, n.DeliveryTarget, n.Created,
		).Scan(&n.SeqID)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("inserting notification: %w", err)
		}
		persisted = append(persisted, n)
	}

	if len(commit.DeleteSeqIDs) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM subscriptions WHERE seq_id = ANY($1)`, commit.DeleteSeqIDs); err != nil {
			return nil, fmt.Errorf("deleting terminated subscriptions: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO notifications_last_event (bucket_number, last_processed_event_uuid, last_processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (bucket_number) DO UPDATE
		SET last_processed_event_uuid = EXCLUDED.last_processed_event_uuid,
			last_processed_at = EXCLUDED.last_processed_at
	`, commit.Bucket, commit.Event.UUID, commit.ProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("advancing checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return persisted, nil
}

// ListPendingNotifications returns a bucket's undelivered notifications in
// creation order.
func (s *PostgresStore) ListPendingNotifications(ctx context.Context, bucket int) ([]domain.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications WHERE bucket_number = $1
		ORDER BY seq_id
	`, bucket)
	if err != nil {
		return nil, fmt.Errorf("querying pending notifications: %w", err)
	}
	defer rows.Close()

	var pending []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		pending = append(pending, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}
	return emptyIfNil(pending), nil
}

// DeleteNotification is the delivery receipt for a successful attempt.
func (s *PostgresStore) DeleteNotification(ctx context.Context, seqID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE seq_id = $1`, seqID)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MoveToRecovery replaces a notification with a recovery entry in one
// transaction, so the obligation is never in both tables or in neither.
func (s *PostgresStore) MoveToRecovery(ctx context.Context, n domain.Notification, failure RecoveryFailure) (*domain.RecoveryEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM notifications WHERE seq_id = $1`, n.SeqID)
	if err != nil {
		return nil, fmt.Errorf("deleting notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}

	entry := &domain.RecoveryEntry{
		Notification:  n,
		AttemptCount:  failure.AttemptCount,
		NextAttemptAt: failure.NextAttemptAt.UTC(),
		LastError:     failure.LastError,
		Updated:       failure.At.UTC(),
	}
	if failure.DeadLetter {
		at := failure.At.UTC()
		entry.DeadLetteredAt = &at
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO notifications_recovery (subscr_seq_id, tenant, owner, subscr_name,
			bucket_number, event_uuid, event, delivery_target, created,
			attempt_count, next_attempt_at, last_error, dead_lettered_at, updated)
		VALUES ((SELECT seq_id FROM subscriptions WHERE seq_id = $1), $2, $3, $4,
			$5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq_id
	`, n.SubscriptionSeqID, n.Tenant, n.Owner, n.SubscriptionName,
		n.BucketNumber, n.EventUUID, n.Event, n.DeliveryTarget, n.Created,
		entry.AttemptCount, entry.NextAttemptAt, entry.LastError, entry.DeadLetteredAt, entry.Updated,
	).Scan(&entry.SeqID)
	if err != nil {
		return nil, fmt.Errorf("inserting recovery entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return entry, nil
}

// GetCheckpoint returns nil when the bucket has never committed an event.
func (s *PostgresStore) GetCheckpoint(ctx context.Context, bucket int) (*domain.BucketCheckpoint, error) {
	var cp domain.BucketCheckpoint
	err := s.pool.QueryRow(ctx, `
		SELECT bucket_number, last_processed_event_uuid, last_processed_at
		FROM notifications_last_event WHERE bucket_number = $1
	`, bucket).Scan(&cp.BucketNumber, &cp.LastProcessedEventUUID, &cp.LastProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}
	cp.LastProcessedAt = cp.LastProcessedAt.UTC()
	return &cp, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context) ([]domain.BucketCheckpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bucket_number, last_processed_event_uuid, last_processed_at
		FROM notifications_last_event ORDER BY bucket_number
	`)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []domain.BucketCheckpoint
	for rows.Next() {
		var cp domain.BucketCheckpoint
		if err := rows.Scan(&cp.BucketNumber, &cp.LastProcessedEventUUID, &cp.LastProcessedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cp.LastProcessedAt = cp.LastProcessedAt.UTC()
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checkpoints: %w", err)
	}
	return emptyIfNil(cps), nil
}
