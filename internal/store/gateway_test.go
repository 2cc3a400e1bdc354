package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSubscription(tenant, owner, name string, bucket int, typeFilter string) *domain.Subscription {
	sub := &domain.Subscription{
		UUID:          uuid.NewString(),
		Tenant:        tenant,
		Owner:         owner,
		Name:          name,
		Enabled:       true,
		TypeFilter:    typeFilter,
		SubjectFilter: "",
		DeliveryTargets: []domain.DeliveryTarget{
			{Method: domain.MethodWebhook, Address: "https://hooks.example.com/" + name},
		},
		BucketNumber: bucket,
	}
	sub.Touch(testNow)
	return sub
}

func newTestNotification(sub *domain.Subscription, eventUUID string) domain.Notification {
	return domain.Notification{
		SubscriptionSeqID: sub.SeqID,
		Tenant:            sub.Tenant,
		Owner:             sub.Owner,
		SubscriptionName:  sub.Name,
		BucketNumber:      sub.BucketNumber,
		EventUUID:         eventUUID,
		Event: domain.Event{
			UUID:      eventUUID,
			Tenant:    sub.Tenant,
			Source:    "billing",
			Type:      "invoice.paid",
			Subject:   "inv-1",
			Data:      json.RawMessage(`{"amount":42}`),
			Timestamp: testNow,
		},
		DeliveryTarget: sub.DeliveryTargets[0],
		Created:        testNow,
	}
}

// runGatewayContract exercises the behavior every Gateway implementation
// must share.
func runGatewayContract(t *testing.T, newGateway func(t *testing.T) Gateway) {
	t.Run("subscription lifecycle", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()

		sub := newTestSubscription("acme", "alice", "invoices", 2, "invoice")
		if err := gw.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}
		if sub.SeqID == 0 {
			t.Fatal("expected SeqID to be assigned")
		}

		dup := newTestSubscription("acme", "alice", "invoices", 2, "invoice")
		if err := gw.CreateSubscription(ctx, dup); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("duplicate create error = %v, want ErrConflict", err)
		}

		got, err := gw.GetSubscription(ctx, "acme", "alice", "invoices")
		if err != nil {
			t.Fatalf("GetSubscription: %v", err)
		}
		if got.UUID != sub.UUID || got.TypeFilter != "invoice" || len(got.DeliveryTargets) != 1 {
			t.Errorf("GetSubscription = %+v", got)
		}

		updated, err := gw.ModifySubscription(ctx, "acme", "alice", "invoices", func(s *domain.Subscription) error {
			s.Enabled = false
			s.TTLMinutes = 10
			s.Touch(testNow.Add(time.Minute))
			return nil
		})
		if err != nil {
			t.Fatalf("ModifySubscription: %v", err)
		}
		if updated.Enabled || updated.Expiry == nil || !updated.Expiry.Equal(testNow.Add(11*time.Minute)) {
			t.Errorf("ModifySubscription = %+v", updated)
		}

		mutateErr := errors.New("rejected")
		if _, err := gw.ModifySubscription(ctx, "acme", "alice", "invoices", func(*domain.Subscription) error {
			return mutateErr
		}); !errors.Is(err, mutateErr) {
			t.Errorf("mutate error = %v, want %v", err, mutateErr)
		}

		if _, err := gw.GetSubscription(ctx, "acme", "bob", "invoices"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("missing get error = %v, want ErrNotFound", err)
		}

		n, err := gw.DeleteSubscription(ctx, "acme", "alice", "invoices")
		if err != nil || n != 1 {
			t.Fatalf("DeleteSubscription = %d, %v; want 1, nil", n, err)
		}
		n, err = gw.DeleteSubscription(ctx, "acme", "alice", "invoices")
		if err != nil || n != 0 {
			t.Fatalf("second DeleteSubscription = %d, %v; want 0, nil", n, err)
		}
	})

	t.Run("list and candidate buckets", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()

		for _, s := range []*domain.Subscription{
			newTestSubscription("acme", "alice", "a", 0, "invoice.paid"),
			newTestSubscription("acme", "bob", "b", 1, ""),
			newTestSubscription("acme", "bob", "c", 2, "*.paid"),
			newTestSubscription("acme", "carol", "d", 3, "order"),
			newTestSubscription("globex", "dan", "e", 4, "invoice"),
		} {
			if err := gw.CreateSubscription(ctx, s); err != nil {
				t.Fatalf("CreateSubscription(%s): %v", s.Name, err)
			}
		}

		all, _ := gw.ListSubscriptions(ctx, "acme", "")
		if len(all) != 4 {
			t.Errorf("ListSubscriptions(acme) = %d, want 4", len(all))
		}
		bobs, _ := gw.ListSubscriptions(ctx, "acme", "bob")
		if len(bobs) != 2 || bobs[0].Name != "b" || bobs[1].Name != "c" {
			t.Errorf("ListSubscriptions(acme, bob) = %+v", bobs)
		}

		buckets, err := gw.CandidateBuckets(ctx, "acme", "invoice", "*")
		if err != nil {
			t.Fatalf("CandidateBuckets: %v", err)
		}
		if !equalInts(buckets, []int{0, 1, 2}) {
			t.Errorf("CandidateBuckets(invoice) = %v, want [0 1 2]", buckets)
		}

		every, _ := gw.CandidateBuckets(ctx, "acme", "", "*")
		if !equalInts(every, []int{0, 1, 2, 3}) {
			t.Errorf("CandidateBuckets(\"\") = %v, want [0 1 2 3]", every)
		}

		inBucket, _ := gw.ListBucketSubscriptions(ctx, 4)
		if len(inBucket) != 1 || inBucket[0].Tenant != "globex" {
			t.Errorf("ListBucketSubscriptions(4) = %+v", inBucket)
		}
	})

	t.Run("commit bucket event", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()

		keep := newTestSubscription("acme", "alice", "keep", 1, "")
		doomed := newTestSubscription("acme", "alice", "doomed", 1, "")
		gone := newTestSubscription("acme", "alice", "gone", 1, "")
		for _, s := range []*domain.Subscription{keep, doomed, gone} {
			if err := gw.CreateSubscription(ctx, s); err != nil {
				t.Fatalf("CreateSubscription: %v", err)
			}
		}
		if _, err := gw.DeleteSubscription(ctx, "acme", "alice", "gone"); err != nil {
			t.Fatalf("DeleteSubscription: %v", err)
		}

		if cp, err := gw.GetCheckpoint(ctx, 1); err != nil || cp != nil {
			t.Fatalf("GetCheckpoint before commit = %+v, %v; want nil, nil", cp, err)
		}

		eventUUID := uuid.NewString()
		persisted, err := gw.CommitBucketEvent(ctx, BucketCommit{
			Bucket: 1,
			Event:  domain.Event{UUID: eventUUID},
			Notifications: []domain.Notification{
				newTestNotification(keep, eventUUID),
				newTestNotification(doomed, eventUUID),
				newTestNotification(gone, eventUUID),
			},
			DeleteSeqIDs: []int64{doomed.SeqID},
			ProcessedAt:  testNow,
		})
		if err != nil {
			t.Fatalf("CommitBucketEvent: %v", err)
		}
		if len(persisted) != 2 {
			t.Fatalf("persisted %d notifications, want 2 (vanished subscription skipped)", len(persisted))
		}

		cp, err := gw.GetCheckpoint(ctx, 1)
		if err != nil || cp == nil || cp.LastProcessedEventUUID != eventUUID {
			t.Fatalf("GetCheckpoint = %+v, %v", cp, err)
		}

		if _, err := gw.GetSubscription(ctx, "acme", "alice", "doomed"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("terminated subscription still present: %v", err)
		}

		pending, _ := gw.ListPendingNotifications(ctx, 1)
		if len(pending) != 2 {
			t.Fatalf("pending = %d, want 2", len(pending))
		}
		if pending[1].SubscriptionSeqID != 0 {
			t.Errorf("notification for deleted subscription keeps SubscriptionSeqID %d", pending[1].SubscriptionSeqID)
		}
		if pending[0].Event.Subject != "inv-1" || pending[0].DeliveryTarget.Method != domain.MethodWebhook {
			t.Errorf("pending[0] = %+v", pending[0])
		}

		if err := gw.DeleteNotification(ctx, pending[0].SeqID); err != nil {
			t.Fatalf("DeleteNotification: %v", err)
		}
		if err := gw.DeleteNotification(ctx, pending[0].SeqID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("second DeleteNotification = %v, want ErrNotFound", err)
		}
	})

	t.Run("recovery lifecycle", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()

		sub := newTestSubscription("acme", "alice", "invoices", 0, "")
		if err := gw.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}
		persisted, err := gw.CommitBucketEvent(ctx, BucketCommit{
			Bucket:        0,
			Event:         domain.Event{UUID: "e1"},
			Notifications: []domain.Notification{newTestNotification(sub, "e1")},
			ProcessedAt:   testNow,
		})
		if err != nil || len(persisted) != 1 {
			t.Fatalf("CommitBucketEvent = %v, %v", persisted, err)
		}

		entry, err := gw.MoveToRecovery(ctx, persisted[0], RecoveryFailure{
			AttemptCount:  1,
			NextAttemptAt: testNow.Add(30 * time.Second),
			LastError:     "status 503",
			At:            testNow,
		})
		if err != nil {
			t.Fatalf("MoveToRecovery: %v", err)
		}
		if entry.AttemptCount != 1 || entry.DeadLettered() || entry.SubscriptionSeqID != sub.SeqID {
			t.Errorf("MoveToRecovery = %+v", entry)
		}
		if pending, _ := gw.ListPendingNotifications(ctx, 0); len(pending) != 0 {
			t.Errorf("notification still pending after move: %d", len(pending))
		}
		if _, err := gw.MoveToRecovery(ctx, persisted[0], RecoveryFailure{At: testNow}); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("second MoveToRecovery = %v, want ErrNotFound", err)
		}

		claimed, _ := gw.ClaimDueRecovery(ctx, testNow, time.Minute, 10)
		if len(claimed) != 0 {
			t.Fatalf("claimed %d entries before due", len(claimed))
		}
		due := testNow.Add(time.Minute)
		claimed, err = gw.ClaimDueRecovery(ctx, due, time.Minute, 10)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("ClaimDueRecovery = %v, %v", claimed, err)
		}
		if again, _ := gw.ClaimDueRecovery(ctx, due, time.Minute, 10); len(again) != 0 {
			t.Errorf("leased entry claimed twice")
		}

		err = gw.RecordRecoveryFailure(ctx, entry.SeqID, RecoveryFailure{
			AttemptCount: 5,
			LastError:    "status 500",
			DeadLetter:   true,
			At:           due,
		})
		if err != nil {
			t.Fatalf("RecordRecoveryFailure: %v", err)
		}
		dead, _ := gw.ListRecovery(ctx, RecoveryFilter{Tenant: "acme", DeadLettered: true})
		if len(dead) != 1 || dead[0].AttemptCount != 5 || dead[0].LastError != "status 500" {
			t.Fatalf("dead letters = %+v", dead)
		}
		if live, _ := gw.ListRecovery(ctx, RecoveryFilter{Tenant: "acme"}); len(live) != 0 {
			t.Errorf("pending recovery = %d, want 0", len(live))
		}
		if claimed, _ := gw.ClaimDueRecovery(ctx, due.Add(time.Hour), time.Minute, 10); len(claimed) != 0 {
			t.Errorf("dead letter was claimed")
		}

		st, err := gw.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.Subscriptions != 1 || st.DeadLetters != 1 || st.RecoveryPending != 0 || st.Buckets != 1 {
			t.Errorf("Stats = %+v", st)
		}

		if err := gw.RequeueDeadLetter(ctx, entry.SeqID, due); err != nil {
			t.Fatalf("RequeueDeadLetter: %v", err)
		}
		if err := gw.RequeueDeadLetter(ctx, entry.SeqID, due); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("requeue of live entry = %v, want ErrConflict", err)
		}
		got, err := gw.GetRecovery(ctx, entry.SeqID)
		if err != nil || got.AttemptCount != 0 || got.DeadLettered() {
			t.Fatalf("GetRecovery after requeue = %+v, %v", got, err)
		}

		if err := gw.DeleteRecovery(ctx, entry.SeqID); err != nil {
			t.Fatalf("DeleteRecovery: %v", err)
		}
		if _, err := gw.GetRecovery(ctx, entry.SeqID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("GetRecovery after delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("reap expired", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()

		short := newTestSubscription("acme", "alice", "short", 0, "")
		short.TTLMinutes = 5
		short.Touch(testNow)
		forever := newTestSubscription("acme", "alice", "forever", 0, "")
		for _, s := range []*domain.Subscription{short, forever} {
			if err := gw.CreateSubscription(ctx, s); err != nil {
				t.Fatalf("CreateSubscription: %v", err)
			}
		}

		n, err := gw.DeleteExpiredSubscriptions(ctx, testNow.Add(5*time.Minute))
		if err != nil || n != 0 {
			t.Fatalf("reap at expiry = %d, %v; want 0", n, err)
		}
		n, err = gw.DeleteExpiredSubscriptions(ctx, testNow.Add(6*time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("reap after expiry = %d, %v; want 1", n, err)
		}
		if _, err := gw.GetSubscription(ctx, "acme", "alice", "forever"); err != nil {
			t.Errorf("non-expiring subscription reaped: %v", err)
		}
	})
	t.Run("series positions", func(t *testing.T) {
		gw := newGateway(t)
		ctx := context.Background()

		sub := newTestSubscription("acme", "alice", "runs", 0, "")
		if err := gw.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}
		key := SeriesKey{SubscriptionSeqID: sub.SeqID, TargetKey: sub.DeliveryTargets[0].Key(), SeriesID: "run-1"}

		if seq, err := gw.GetSeriesPosition(ctx, key); err != nil || seq != 0 {
			t.Fatalf("unknown series position = %d, %v; want 0", seq, err)
		}
		for _, seq := range []int64{3, 5, 4} {
			if err := gw.SaveSeriesPosition(ctx, key, seq, testNow); err != nil {
				t.Fatalf("SaveSeriesPosition(%d): %v", seq, err)
			}
		}
		if seq, err := gw.GetSeriesPosition(ctx, key); err != nil || seq != 5 {
			t.Errorf("position = %d, %v; want 5", seq, err)
		}
		other := key
		other.SeriesID = "run-2"
		if seq, _ := gw.GetSeriesPosition(ctx, other); seq != 0 {
			t.Errorf("independent series position = %d, want 0", seq)
		}

		if _, err := gw.DeleteSubscription(ctx, "acme", "alice", "runs"); err != nil {
			t.Fatalf("DeleteSubscription: %v", err)
		}
		if seq, err := gw.GetSeriesPosition(ctx, key); err != nil || seq != 0 {
			t.Errorf("position after delete = %d, %v; want 0", seq, err)
		}
		if err := gw.SaveSeriesPosition(ctx, key, 9, testNow); err != nil {
			t.Errorf("SaveSeriesPosition for deleted subscription: %v", err)
		}
		if seq, _ := gw.GetSeriesPosition(ctx, key); seq != 0 {
			t.Errorf("position recorded for deleted subscription = %d", seq)
		}
	})
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
