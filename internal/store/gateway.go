package store

import (
	"context"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
)

// Gateway is the complete persistence surface of the dispatcher. It is the
// only component touching durable storage; PostgresStore and MemoryStore
// implement it with identical semantics.
type Gateway interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	GetSubscription(ctx context.Context, tenant, owner, name string) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context, tenant, owner string) ([]domain.Subscription, error)
	ModifySubscription(ctx context.Context, tenant, owner, name string, mutate func(*domain.Subscription) error) (*domain.Subscription, error)
	DeleteSubscription(ctx context.Context, tenant, owner, name string) (int64, error)
	DeleteExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error)
	ListBucketSubscriptions(ctx context.Context, bucket int) ([]domain.Subscription, error)
	CandidateBuckets(ctx context.Context, tenant, typeSegment, wildcard string) ([]int, error)

	GetCheckpoint(ctx context.Context, bucket int) (*domain.BucketCheckpoint, error)
	ListCheckpoints(ctx context.Context) ([]domain.BucketCheckpoint, error)

	CommitBucketEvent(ctx context.Context, commit BucketCommit) ([]domain.Notification, error)
	ListPendingNotifications(ctx context.Context, bucket int) ([]domain.Notification, error)
	DeleteNotification(ctx context.Context, seqID int64) error
	MoveToRecovery(ctx context.Context, n domain.Notification, failure RecoveryFailure) (*domain.RecoveryEntry, error)

	ClaimDueRecovery(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.RecoveryEntry, error)
	RecordRecoveryFailure(ctx context.Context, seqID int64, failure RecoveryFailure) error
	DeleteRecovery(ctx context.Context, seqID int64) error
	GetRecovery(ctx context.Context, seqID int64) (*domain.RecoveryEntry, error)
	ListRecovery(ctx context.Context, filter RecoveryFilter) ([]domain.RecoveryEntry, error)
	RequeueDeadLetter(ctx context.Context, seqID int64, now time.Time) error

	GetSeriesPosition(ctx context.Context, key SeriesKey) (int64, error)
	SaveSeriesPosition(ctx context.Context, key SeriesKey, seq int64, at time.Time) error

	Stats(ctx context.Context) (*Stats, error)
}

// SeriesKey names one event series as delivered to one subscription target.
// Its position is the highest seriesSeqId released for delivery; it goes
// away with the subscription.
type SeriesKey struct {
	SubscriptionSeqID int64
	TargetKey         string
	SeriesID          string
}

// BucketCommit is the PERSISTING step of one bucket for one event: the
// notifications to write ahead, the subscriptions the event terminates, and
// the checkpoint advance, applied in a single transaction.
type BucketCommit struct {
	Bucket        int
	Event         domain.Event
	Notifications []domain.Notification
	DeleteSeqIDs  []int64
	ProcessedAt   time.Time
}

// RecoveryFailure describes the recovery state after a failed attempt.
type RecoveryFailure struct {
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	DeadLetter    bool
	At            time.Time
}

// RecoveryFilter narrows ListRecovery.
type RecoveryFilter struct {
	Tenant       string
	DeadLettered bool
	Limit        int
}

// Stats holds aggregate counts for operators.
type Stats struct {
	Subscriptions        int `json:"subscriptions"`
	PendingNotifications int `json:"pending_notifications"`
	RecoveryPending      int `json:"recovery_pending"`
	DeadLetters          int `json:"dead_letters"`
	Buckets              int `json:"buckets_checkpointed"`
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
