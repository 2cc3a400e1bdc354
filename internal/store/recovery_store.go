package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/jackc/pgx/v5"
)

const recoveryColumns = notificationColumns + `,
	attempt_count, next_attempt_at, last_error, dead_lettered_at, updated`

const defaultRecoveryLimit = 100

func scanRecovery(row pgx.Row) (*domain.RecoveryEntry, error) {
	var r domain.RecoveryEntry
	err := row.Scan(
		&r.SeqID, &r.SubscriptionSeqID, &r.Tenant, &r.Owner, &r.SubscriptionName,
		&r.BucketNumber, &r.EventUUID, &r.Event, &r.DeliveryTarget, &r.Created,
		&r.AttemptCount, &r.NextAttemptAt, &r.LastError, &r.DeadLetteredAt, &r.Updated,
	)
	if err != nil {
		return nil, err
	}
	r.Created = r.Created.UTC()
	r.NextAttemptAt = r.NextAttemptAt.UTC()
	r.Updated = r.Updated.UTC()
	if r.DeadLetteredAt != nil {
		at := r.DeadLetteredAt.UTC()
		r.DeadLetteredAt = &at
	}
	return &r, nil
}

func collectRecovery(rows pgx.Rows) ([]domain.RecoveryEntry, error) {
	defer rows.Close()

	var entries []domain.RecoveryEntry
	for rows.Next() {
		r, err := scanRecovery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recovery entry: %w", err)
		}
		entries = append(entries, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recovery entries: %w", err)
	}
	return emptyIfNil(entries), nil
}

// ClaimDueRecovery leases up to limit due entries by pushing their
// next_attempt_at forward by lease. SKIP LOCKED keeps concurrent sweepers
// from claiming the same rows; an entry whose holder dies becomes due again
// once the lease lapses.
func (s *PostgresStore) ClaimDueRecovery(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.RecoveryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE notifications_recovery
		SET next_attempt_at = $2
		WHERE seq_id IN (
			SELECT seq_id FROM notifications_recovery
			WHERE dead_lettered_at IS NULL AND next_attempt_at <= $1
			ORDER BY next_attempt_at, seq_id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+recoveryColumns,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming recovery entries: %w", err)
	}
	entries, err := collectRecovery(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SeqID < entries[j].SeqID })
	return entries, nil
}

func (s *PostgresStore) RecordRecoveryFailure(ctx context.Context, seqID int64, failure RecoveryFailure) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications_recovery
		SET attempt_count = $2,
			next_attempt_at = $3,
			last_error = $4,
			dead_lettered_at = CASE WHEN $5::boolean THEN $6::timestamptz ELSE NULL END,
			updated = $6
		WHERE seq_id = $1
	`, seqID, failure.AttemptCount, failure.NextAttemptAt, failure.LastError, failure.DeadLetter, failure.At)
	if err != nil {
		return fmt.Errorf("recording recovery failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRecovery(ctx context.Context, seqID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications_recovery WHERE seq_id = $1`, seqID)
	if err != nil {
		return fmt.Errorf("deleting recovery entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetRecovery(ctx context.Context, seqID int64) (*domain.RecoveryEntry, error) {
	r, err := scanRecovery(s.pool.QueryRow(ctx, `
		SELECT `+recoveryColumns+`
		FROM notifications_recovery WHERE seq_id = $1
	`, seqID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying recovery entry: %w", err)
	}
	return r, nil
}

// ListRecovery returns pending entries, or dead letters when
// filter.DeadLettered is set, newest first.
func (s *PostgresStore) ListRecovery(ctx context.Context, filter RecoveryFilter) ([]domain.RecoveryEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRecoveryLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recoveryColumns+`
		FROM notifications_recovery
		WHERE ($1::text = '' OR tenant = $1)
			AND (dead_lettered_at IS NOT NULL) = $2
		ORDER BY seq_id DESC
		LIMIT $3
	`, filter.Tenant, filter.DeadLettered, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recovery entries: %w", err)
	}
	return collectRecovery(rows)
}

// RequeueDeadLetter gives a dead-lettered entry a fresh attempt budget and
// makes it due immediately. Entries that are not dead-lettered yield
// domain.ErrConflict.
func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, seqID int64, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var deadLetteredAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT dead_lettered_at FROM notifications_recovery WHERE seq_id = $1 FOR UPDATE
	`, seqID).Scan(&deadLetteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("locking recovery entry: %w", err)
	}
	if deadLetteredAt == nil {
		return fmt.Errorf("entry %d is not dead-lettered: %w", seqID, domain.ErrConflict)
	}

	_, err = tx.Exec(ctx, `
		UPDATE notifications_recovery
		SET attempt_count = 0, next_attempt_at = $2, last_error = '',
			dead_lettered_at = NULL, updated = $2
		WHERE seq_id = $1
	`, seqID, now)
	if err != nil {
		return fmt.Errorf("requeueing dead letter: %w", err)
	}
	return tx.Commit(ctx)
}
