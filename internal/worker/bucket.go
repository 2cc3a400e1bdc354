package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/engine"
	"github.com/Priya8975/notification-dispatcher/internal/store"
)

// State is a bucket worker's position in its processing cycle.
type State int32

const (
	StateIdle State = iota
	StateMatching
	StatePersisting
	StateDelivering
)

func (s State) String() string {
	switch s {
	case StateMatching:
		return "MATCHING"
	case StatePersisting:
		return "PERSISTING"
	case StateDelivering:
		return "DELIVERING"
	default:
		return "IDLE"
	}
}

// envelope carries one event to a bucket worker. ack receives the outcome
// of the PERSISTING step: nil once the event is durably processed.
type envelope struct {
	event domain.Event
	ack   chan error
}

// bucketWorker processes its bucket's events one at a time. It is the only
// goroutine touching its index, sequencer and checkpoint copy.
type bucketWorker struct {
	bucket     int
	gateway    store.Gateway
	matcher    *engine.Matcher
	executor   *Executor
	index      *subscriptionIndex
	series     *seriesSequencer
	inbox      chan envelope
	flushEvery time.Duration
	logger     *slog.Logger
	now        func() time.Time

	checkpoint string
	state      atomic.Int32
}

func (w *bucketWorker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *bucketWorker) State() State {
	return State(w.state.Load())
}

func (w *bucketWorker) run(ctx context.Context) {
	if !w.resume(ctx) {
		return
	}

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-w.inbox:
			persisted, err := w.persist(ctx, env.event)
			env.ack <- err
			if err == nil {
				w.deliver(ctx, persisted)
			}
			w.setState(StateIdle)
		case <-ticker.C:
			w.flushSeries(ctx)
		}
	}
}

// resume restores the checkpoint and delivers notifications left pending by
// a previous run. It retries until the store answers or ctx ends.
func (w *bucketWorker) resume(ctx context.Context) bool {
	for {
		pending, err := w.loadState(ctx)
		if err == nil {
			if len(pending) > 0 {
				w.logger.Info("resuming pending notifications", "bucket", w.bucket, "pending", len(pending))
			}
			w.setState(StateDelivering)
			for _, n := range pending {
				if ctx.Err() != nil {
					return false
				}
				w.executor.Execute(ctx, n)
				if ordered(n) {
					w.loadSeries(ctx, n)
					w.series.markDelivered(n, w.now())
					w.savePosition(ctx, n)
				}
			}
			w.setState(StateIdle)
			return true
		}

		w.logger.Error("failed to load bucket state", "bucket", w.bucket, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

func (w *bucketWorker) loadState(ctx context.Context) ([]domain.Notification, error) {
	cp, err := w.gateway.GetCheckpoint(ctx, w.bucket)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		w.checkpoint = cp.LastProcessedEventUUID
	}
	return w.gateway.ListPendingNotifications(ctx, w.bucket)
}

// persist runs MATCHING and PERSISTING for one event. The commit is not
// cancelled by ctx: once started it runs to its atomic outcome.
func (w *bucketWorker) persist(ctx context.Context, event domain.Event) ([]domain.Notification, error) {
	w.setState(StateMatching)

	if event.UUID == w.checkpoint {
		w.logger.Debug("skipping already processed event", "bucket", w.bucket, "event_uuid", event.UUID)
		return nil, nil
	}

	now := w.now().UTC()
	subs, err := w.index.get(ctx, now)
	if err != nil {
		w.logger.Error("failed to load subscriptions", "bucket", w.bucket, "event_uuid", event.UUID, "error", err)
		return nil, err
	}
	result := w.matcher.Match(event, subs, now)

	notifications := make([]domain.Notification, 0, len(result.Matches))
	for _, m := range result.Matches {
		notifications = append(notifications, domain.Notification{
			SubscriptionSeqID: m.Subscription.SeqID,
			Tenant:            m.Subscription.Tenant,
			Owner:             m.Subscription.Owner,
			SubscriptionName:  m.Subscription.Name,
			BucketNumber:      w.bucket,
			EventUUID:         event.UUID,
			Event:             event,
			DeliveryTarget:    m.Target,
			Created:           now,
		})
	}

	w.setState(StatePersisting)
	persisted, err := w.gateway.CommitBucketEvent(context.WithoutCancel(ctx), store.BucketCommit{
		Bucket:        w.bucket,
		Event:         event,
		Notifications: notifications,
		DeleteSeqIDs:  result.DeleteSeqIDs,
		ProcessedAt:   now,
	})
	if err != nil {
		w.logger.Error("failed to persist event", "bucket", w.bucket, "event_uuid", event.UUID, "error", err)
		return nil, err
	}
	w.checkpoint = event.UUID

	if len(result.DeleteSeqIDs) > 0 {
		w.index.invalidate()
		w.logger.Info("deleted subscriptions matching subject",
			"bucket", w.bucket,
			"event_uuid", event.UUID,
			"subject", event.Subject,
			"deleted", len(result.DeleteSeqIDs),
		)
	}
	if len(persisted) == 0 {
		w.logger.Debug("event matched no subscriptions", "bucket", w.bucket, "event_uuid", event.UUID, "type", event.Type)
	}
	return persisted, nil
}

// deliver runs DELIVERING. Stopping early is safe: anything not yet
// attempted is still persisted and picked up by the next resume.
func (w *bucketWorker) deliver(ctx context.Context, persisted []domain.Notification) {
	if len(persisted) == 0 {
		return
	}
	w.setState(StateDelivering)
	for _, n := range persisted {
		if ctx.Err() != nil {
			return
		}
		w.loadSeries(ctx, n)
		w.release(ctx, w.series.offer(n, w.now()))
	}
}

// loadSeries seeds a series the worker has no position for, either because
// the process restarted or the series sat idle, from its stored position.
// If the store cannot answer, n is taken as the head of its series.
func (w *bucketWorker) loadSeries(ctx context.Context, n domain.Notification) {
	if !ordered(n) || w.series.known(n) {
		return
	}
	last, err := w.gateway.GetSeriesPosition(ctx, keyOf(n).stored())
	if err != nil {
		w.logger.Warn("failed to load series position",
			"bucket", w.bucket,
			"series_id", n.Event.SeriesID,
			"subscription_seq_id", n.SubscriptionSeqID,
			"error", err,
		)
		last = n.Event.SeriesSeqID - 1
	}
	w.series.seed(n, last, w.now())
}

func (w *bucketWorker) savePosition(ctx context.Context, n domain.Notification) {
	err := w.gateway.SaveSeriesPosition(context.WithoutCancel(ctx), keyOf(n).stored(), n.Event.SeriesSeqID, w.now().UTC())
	if err != nil {
		w.logger.Warn("failed to save series position",
			"bucket", w.bucket,
			"series_id", n.Event.SeriesID,
			"series_seq_id", n.Event.SeriesSeqID,
			"error", err,
		)
	}
}

func (w *bucketWorker) flushSeries(ctx context.Context) {
	released, gaps := w.series.expire(w.now())
	for _, g := range gaps {
		w.logger.Warn("series gap declared lost",
			"bucket", w.bucket,
			"series_id", g.key.seriesID,
			"subscription_seq_id", g.key.subscriptionSeqID,
			"missing_from", g.from,
			"missing_to", g.to,
		)
	}
	if len(released) == 0 {
		return
	}
	w.setState(StateDelivering)
	defer w.setState(StateIdle)
	w.release(ctx, released)
}

// release records each series' new position, then executes the released
// notifications in order.
func (w *bucketWorker) release(ctx context.Context, released []seriesRelease) {
	highest := make(map[seriesKey]domain.Notification)
	for _, r := range released {
		if r.late || !ordered(r.n) {
			continue
		}
		key := keyOf(r.n)
		if cur, ok := highest[key]; !ok || r.n.Event.SeriesSeqID > cur.Event.SeriesSeqID {
			highest[key] = r.n
		}
	}
	for _, n := range highest {
		w.savePosition(ctx, n)
	}

	for _, r := range released {
		if ctx.Err() != nil {
			return
		}
		if r.late {
			w.logger.Warn("delivering late series event",
				"bucket", w.bucket,
				"event_uuid", r.n.EventUUID,
				"series_id", r.n.Event.SeriesID,
				"series_seq_id", r.n.Event.SeriesSeqID,
			)
		}
		w.executor.Execute(ctx, r.n)
	}
}
