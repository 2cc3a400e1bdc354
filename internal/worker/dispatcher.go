package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/broker"
	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/engine"
	"github.com/Priya8975/notification-dispatcher/internal/store"
	"github.com/google/uuid"
)

// Dispatcher is Event Intake: it consumes the broker, routes each event to
// the buckets holding candidate subscriptions, and commits the broker
// offset only after every one of those buckets has persisted the event.
type Dispatcher struct {
	source   broker.Source
	gateway  store.Gateway
	pool     *Pool
	wildcard string
	retry    engine.Backoff
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(source broker.Source, gateway store.Gateway, pool *Pool, wildcard string, logger *slog.Logger) *Dispatcher {
	if wildcard == "" {
		wildcard = engine.DefaultWildcard
	}
	return &Dispatcher{
		source:   source,
		gateway:  gateway,
		pool:     pool,
		wildcard: wildcard,
		retry:    engine.Backoff{BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second},
		logger:   logger,
		now:      time.Now,
	}
}

// Start consumes until ctx is cancelled or the source is closed.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started")

	for {
		msg, err := d.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				d.logger.Info("dispatcher stopping")
				return
			}
			d.logger.Error("failed to fetch event", "error", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		if !d.handle(ctx, msg) {
			d.logger.Info("dispatcher stopping")
			return
		}
	}
}

// handle processes one message to completion. It returns false only when
// ctx ended before the message could be committed; the broker will then
// redeliver it.
func (d *Dispatcher) handle(ctx context.Context, msg broker.Message) bool {
	event, err := d.decode(msg)
	if err != nil {
		d.logger.Warn("skipping poison message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return d.commit(ctx, msg)
	}

	buckets, ok := d.candidateBuckets(ctx, event)
	if !ok {
		return false
	}

	for attempt := 1; len(buckets) > 0; attempt++ {
		buckets = d.dispatch(ctx, event, buckets)
		if len(buckets) == 0 {
			break
		}
		if ctx.Err() != nil {
			return false
		}
		d.logger.Error("event not persisted by all buckets, retrying",
			"event_uuid", event.UUID,
			"failed_buckets", buckets,
			"attempt", attempt,
		)
		if !sleep(ctx, d.retry.Delay(attempt)) {
			return false
		}
	}

	return d.commit(ctx, msg)
}

func (d *Dispatcher) decode(msg broker.Message) (domain.Event, error) {
	event, err := domain.DecodeEvent(msg.Value)
	if err != nil {
		return domain.Event{}, err
	}
	if event.UUID == "" {
		event.UUID = messageUUID(msg)
	}
	event.Normalize(d.now())
	if err := event.Validate(); err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

// messageUUID derives a stable identity from the broker position so a
// redelivered message keeps the same uuid.
func messageUUID(msg broker.Message) string {
	name := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// candidateBuckets narrows by tenant and top-level type segment. Events that
// delete subscriptions by subject must reach every bucket the tenant uses.
func (d *Dispatcher) candidateBuckets(ctx context.Context, event domain.Event) ([]int, bool) {
	segment := event.TypeSegments()[0]
	if event.DeleteSubscriptionsMatchingSubject {
		segment = ""
	}

	for attempt := 1; ; attempt++ {
		buckets, err := d.gateway.CandidateBuckets(ctx, event.Tenant, segment, d.wildcard)
		if err == nil {
			if len(buckets) == 0 {
				d.logger.Debug("event has no candidate buckets", "event_uuid", event.UUID, "tenant", event.Tenant)
			}
			return buckets, true
		}
		d.logger.Error("failed to find candidate buckets", "event_uuid", event.UUID, "error", err, "attempt", attempt)
		if !sleep(ctx, d.retry.Delay(attempt)) {
			return nil, false
		}
	}
}

// dispatch submits event to every bucket and returns those that failed.
func (d *Dispatcher) dispatch(ctx context.Context, event domain.Event, buckets []int) []int {
	acks := make(map[int]<-chan error, len(buckets))
	var failed []int
	for _, b := range buckets {
		ack, err := d.pool.Submit(ctx, b, event)
		if err != nil {
			failed = append(failed, b)
			continue
		}
		acks[b] = ack
	}

	for _, b := range buckets {
		ack, ok := acks[b]
		if !ok {
			continue
		}
		select {
		case err := <-ack:
			if err != nil {
				failed = append(failed, b)
			}
		case <-ctx.Done():
			failed = append(failed, b)
		}
	}
	return failed
}

func (d *Dispatcher) commit(ctx context.Context, msg broker.Message) bool {
	if err := d.source.Commit(ctx, msg); err != nil {
		// Uncommitted messages are redelivered; bucket checkpoints absorb
		// the duplicate.
		d.logger.Error("failed to commit offset", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return ctx.Err() == nil
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
