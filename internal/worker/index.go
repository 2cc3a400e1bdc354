package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/store"
)

// subscriptionIndex caches one bucket's subscriptions. It is owned by a
// single bucket worker; only the stale flag is touched from other
// goroutines. Staleness is bounded by refreshInterval, and writes made
// through the API mark it stale immediately.
type subscriptionIndex struct {
	bucket          int
	gateway         store.Gateway
	refreshInterval time.Duration

	subs     []domain.Subscription
	loadedAt time.Time
	loaded   bool
	stale    atomic.Bool
}

func newSubscriptionIndex(bucket int, gateway store.Gateway, refreshInterval time.Duration) *subscriptionIndex {
	return &subscriptionIndex{bucket: bucket, gateway: gateway, refreshInterval: refreshInterval}
}

func (ix *subscriptionIndex) invalidate() {
	ix.stale.Store(true)
}

// get returns the cached subscriptions, reloading them when invalidated or
// older than the refresh interval.
func (ix *subscriptionIndex) get(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	expired := ix.refreshInterval > 0 && now.Sub(ix.loadedAt) >= ix.refreshInterval
	if ix.loaded && !expired && !ix.stale.Load() {
		return ix.subs, nil
	}

	// Clear first so an invalidation racing with the load is not lost.
	ix.stale.Store(false)
	subs, err := ix.gateway.ListBucketSubscriptions(ctx, ix.bucket)
	if err != nil {
		ix.stale.Store(true)
		return nil, fmt.Errorf("loading bucket %d subscriptions: %w", ix.bucket, err)
	}
	ix.subs = subs
	ix.loadedAt = now
	ix.loaded = true
	return subs, nil
}
