package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingInvalidator struct {
	calls int
	err   error
}

func (c *countingInvalidator) InvalidateAll(context.Context) error {
	c.calls++
	return c.err
}

func expireIn(t *testing.T, gw store.Gateway, name string, ttlMinutes int) {
	t.Helper()
	_, err := gw.ModifySubscription(context.Background(), "dev", "u1", name, func(s *domain.Subscription) error {
		s.TTLMinutes = ttlMinutes
		s.Touch(testNow)
		return nil
	})
	if err != nil {
		t.Fatalf("ModifySubscription(%s): %v", name, err)
	}
}

// A subscription past its ttl is deleted by the reaper.
func TestReaper_DeletesExpiredSubscriptions(t *testing.T) {
	gw := store.NewMemory()
	createSubscription(t, gw, 1, "short-lived", "", "", "https://example.com/hook")
	createSubscription(t, gw, 1, "forever", "", "", "https://example.com/hook")
	expireIn(t, gw, "short-lived", 1)
	expireIn(t, gw, "forever", 0)

	indexes := &countingInvalidator{}
	peers := &countingInvalidator{err: errors.New("redis unavailable")}
	r := NewReaper(gw, time.Minute, testLogger(), indexes, peers)

	r.now = func() time.Time { return testNow.Add(30 * time.Second) }
	if got := r.Reap(context.Background()); got != 0 {
		t.Fatalf("Reap before expiry deleted %d", got)
	}
	if indexes.calls != 0 {
		t.Errorf("indexes invalidated without deletions")
	}

	r.now = func() time.Time { return testNow.Add(2 * time.Minute) }
	if got := r.Reap(context.Background()); got != 1 {
		t.Fatalf("Reap deleted %d, want 1", got)
	}
	if _, err := gw.GetSubscription(context.Background(), "dev", "u1", "short-lived"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetSubscription(short-lived) = %v, want ErrNotFound", err)
	}
	if _, err := gw.GetSubscription(context.Background(), "dev", "u1", "forever"); err != nil {
		t.Errorf("GetSubscription(forever) = %v", err)
	}
	if indexes.calls != 1 || peers.calls != 1 {
		t.Errorf("InvalidateAll called %d/%d times, want 1 each", indexes.calls, peers.calls)
	}
}

func TestReaper_KeepsOwedNotifications(t *testing.T) {
	gw := store.NewMemory()
	sub := createSubscription(t, gw, 1, "short-lived", "", "", "https://example.com/hook")
	expireIn(t, gw, "short-lived", 1)

	ev := newEvent("jobs.job.complete", "xyz")
	_, err := gw.CommitBucketEvent(context.Background(), store.BucketCommit{
		Event: ev,
		Notifications: []domain.Notification{{
			SubscriptionSeqID: sub.SeqID,
			Tenant:            sub.Tenant,
			Owner:             sub.Owner,
			SubscriptionName:  sub.Name,
			EventUUID:         ev.UUID,
			Event:             ev,
			DeliveryTarget:    sub.DeliveryTargets[0],
			Created:           testNow,
		}},
		ProcessedAt: testNow,
	})
	if err != nil {
		t.Fatalf("CommitBucketEvent: %v", err)
	}

	r := NewReaper(gw, time.Minute, testLogger())
	r.now = func() time.Time { return testNow.Add(time.Hour) }
	if got := r.Reap(context.Background()); got != 1 {
		t.Fatalf("Reap deleted %d, want 1", got)
	}

	pending, err := gw.ListPendingNotifications(context.Background(), 0)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d, %v; want the owed notification kept", len(pending), err)
	}
	if pending[0].SubscriptionName != "short-lived" || pending[0].DeliveryTarget.Address != "https://example.com/hook" {
		t.Errorf("owed notification lost its target: %+v", pending[0])
	}
}

// Peers learn about reaped subscriptions through the Redis channel.
func TestReaper_AnnouncesToPeers(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := store.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rs.Close() })

	peer := startPipeline(t, store.NewMemory(), PoolConfig{BucketCount: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan int, 1)
	go rs.SubscribeInvalidations(ctx, testLogger(), func(bucket int) {
		peer.pool.ApplyInvalidation(ctx, bucket)
		got <- bucket
	})
	waitFor(t, "subscriber", func() bool {
		return mr.PubSubNumSub(store.IndexInvalidationChannel)[store.IndexInvalidationChannel] == 1
	})

	gw := store.NewMemory()
	createSubscription(t, gw, 1, "short-lived", "", "", "https://example.com/hook")
	expireIn(t, gw, "short-lived", 1)
	r := NewReaper(gw, time.Minute, testLogger(), rs)
	r.now = func() time.Time { return testNow.Add(time.Hour) }
	if n := r.Reap(ctx); n != 1 {
		t.Fatalf("Reap deleted %d, want 1", n)
	}

	select {
	case b := <-got:
		if b != store.AllBuckets {
			t.Errorf("announced bucket %d, want AllBuckets", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never told about reaped subscriptions")
	}
}
