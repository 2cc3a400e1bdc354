package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `seq_id, uuid, tenant, owner, name, description, enabled, type_filter,
	subject_filter, delivery_targets, ttl_minutes, expiry, bucket_number, created, updated`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.SeqID, &sub.UUID, &sub.Tenant, &sub.Owner, &sub.Name, &sub.Description,
		&sub.Enabled, &sub.TypeFilter, &sub.SubjectFilter, &sub.DeliveryTargets,
		&sub.TTLMinutes, &sub.Expiry, &sub.BucketNumber, &sub.Created, &sub.Updated,
	)
	if err != nil {
		return nil, err
	}
	sub.Created = sub.Created.UTC()
	sub.Updated = sub.Updated.UTC()
	if sub.Expiry != nil {
		exp := sub.Expiry.UTC()
		sub.Expiry = &exp
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return emptyIfNil(subs), nil
}

// CreateSubscription inserts a fully populated subscription and assigns its
// SeqID. A duplicate (tenant, owner, name) yields domain.ErrConflict.
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	segs := sub.TypeFilterSegments()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (uuid, tenant, owner, name, description, enabled,
			type_filter, type_filter1, type_filter2, type_filter3, subject_filter,
			delivery_targets, ttl_minutes, expiry, bucket_number, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING seq_id
	`, sub.UUID, sub.Tenant, sub.Owner, sub.Name, sub.Description, sub.Enabled,
		sub.TypeFilter, segs[0], segs[1], segs[2], sub.SubjectFilter,
		sub.DeliveryTargets, sub.TTLMinutes, sub.Expiry, sub.BucketNumber, sub.Created, sub.Updated,
	).Scan(&sub.SeqID)
	if err != nil {
		return fmt.Errorf("inserting subscription: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, tenant, owner, name string) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenant = $1 AND owner = $2 AND name = $3
	`, tenant, owner, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns a tenant's subscriptions, narrowed to one owner
// when owner is not empty.
func (s *PostgresStore) ListSubscriptions(ctx context.Context, tenant, owner string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant = $1 AND ($2::text = '' OR owner = $2)
		ORDER BY owner, name
	`, tenant, owner)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ModifySubscription locks the row, lets mutate change it, and writes the
// mutable columns back in the same transaction.
func (s *PostgresStore) ModifySubscription(ctx context.Context, tenant, owner, name string, mutate func(*domain.Subscription) error) (*domain.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sub, err := scanSubscription(tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenant = $1 AND owner = $2 AND name = $3
		FOR UPDATE
	`, tenant, owner, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("locking subscription: %w", err)
	}

	if err := mutate(sub); err != nil {
		return nil, err
	}

	segs := sub.TypeFilterSegments()
	_, err = tx.Exec(ctx, `
		UPDATE subscriptions SET
			description = $2, enabled = $3, type_filter = $4, type_filter1 = $5,
			type_filter2 = $6, type_filter3 = $7, subject_filter = $8,
			delivery_targets = $9, ttl_minutes = $10, expiry = $11, updated = $12
		WHERE seq_id = $1
	`, sub.SeqID, sub.Description, sub.Enabled, sub.TypeFilter, segs[0], segs[1], segs[2],
		sub.SubjectFilter, sub.DeliveryTargets, sub.TTLMinutes, sub.Expiry, sub.Updated)
	if err != nil {
		return nil, fmt.Errorf("updating subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return sub, nil
}

// DeleteSubscription removes one subscription and reports how many rows went.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, tenant, owner, name string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM subscriptions WHERE tenant = $1 AND owner = $2 AND name = $3
	`, tenant, owner, name)
	if err != nil {
		return 0, fmt.Errorf("deleting subscription: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM subscriptions WHERE expiry IS NOT NULL AND expiry < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListBucketSubscriptions(ctx context.Context, bucket int) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE bucket_number = $1
		ORDER BY seq_id
	`, bucket)
	if err != nil {
		return nil, fmt.Errorf("querying bucket subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// CandidateBuckets returns the buckets holding subscriptions of tenant whose
// first type filter segment could accept typeSegment. An empty typeSegment
// selects every bucket the tenant occupies.
func (s *PostgresStore) CandidateBuckets(ctx context.Context, tenant, typeSegment, wildcard string) ([]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT bucket_number FROM subscriptions
		WHERE tenant = $1 AND ($2::text = '' OR type_filter1 IN ($2, '', $3))
		ORDER BY bucket_number
	`, tenant, typeSegment, wildcard)
	if err != nil {
		return nil, fmt.Errorf("querying candidate buckets: %w", err)
	}
	defer rows.Close()

	var buckets []int
	for rows.Next() {
		var b int
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
