package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/engine"
	"github.com/Priya8975/notification-dispatcher/internal/store"
	ws "github.com/Priya8975/notification-dispatcher/internal/websocket"
)

// Broadcaster receives delivery outcomes for the live feed.
type Broadcaster interface {
	Broadcast(event ws.DeliveryEvent)
}

type ExecutorConfig struct {
	Backoff     engine.Backoff
	MaxAttempts int
	// WriteRetry paces repeated outcome writes while the store is failing.
	WriteRetry engine.Backoff
}

// Executor runs delivery attempts and records their outcome durably:
// success removes the owed row, failure moves it through recovery.
type Executor struct {
	gateway     store.Gateway
	deliverer   *Deliverer
	backoff     engine.Backoff
	writeRetry  engine.Backoff
	maxAttempts int
	hub         Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewExecutor builds an executor. hub may be nil.
func NewExecutor(gateway store.Gateway, deliverer *Deliverer, cfg ExecutorConfig, hub Broadcaster, logger *slog.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.WriteRetry.BaseDelay <= 0 {
		cfg.WriteRetry = engine.Backoff{BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
	}
	return &Executor{
		gateway:     gateway,
		deliverer:   deliverer,
		backoff:     cfg.Backoff,
		writeRetry:  cfg.WriteRetry,
		maxAttempts: cfg.MaxAttempts,
		hub:         hub,
		logger:      logger,
		now:         time.Now,
	}
}

// Execute makes the first delivery attempt for a persisted notification.
// The outcome write is repeated until the store accepts it; only shutdown
// stops it early, leaving the row pending for the next resume.
func (e *Executor) Execute(ctx context.Context, n domain.Notification) {
	start := time.Now()
	err := e.deliverer.Attempt(ctx, n, 1)
	elapsed := time.Since(start)
	attrs := []any{"notification", n.SeqID, "event_uuid", n.EventUUID}

	if err == nil {
		e.record(ctx, "failed to record delivery", attrs, func(wctx context.Context) error {
			return e.gateway.DeleteNotification(wctx, n.SeqID)
		})
		e.success(n, 1, elapsed)
		return
	}

	failure := e.failure(err, 1)
	var entry *domain.RecoveryEntry
	rerr := e.record(ctx, "failed to move notification to recovery", attrs, func(wctx context.Context) error {
		var merr error
		entry, merr = e.gateway.MoveToRecovery(wctx, n, failure)
		return merr
	})
	if rerr != nil {
		return
	}
	e.failed(entry.Notification, failure, err, elapsed)
}

// Retry makes one recovery attempt for a claimed entry.
func (e *Executor) Retry(ctx context.Context, r domain.RecoveryEntry) {
	attempt := r.AttemptCount + 1
	start := time.Now()
	err := e.deliverer.Attempt(ctx, r.Notification, attempt)
	elapsed := time.Since(start)
	attrs := []any{"recovery", r.SeqID, "event_uuid", r.EventUUID}

	if err == nil {
		e.record(ctx, "failed to record recovered delivery", attrs, func(wctx context.Context) error {
			return e.gateway.DeleteRecovery(wctx, r.SeqID)
		})
		e.success(r.Notification, attempt, elapsed)
		return
	}

	failure := e.failure(err, attempt)
	rerr := e.record(ctx, "failed to record recovery failure", attrs, func(wctx context.Context) error {
		return e.gateway.RecordRecoveryFailure(wctx, r.SeqID, failure)
	})
	if rerr != nil {
		// the claim lease lapses and the entry is picked up again
		return
	}
	e.failed(r.Notification, failure, err, elapsed)
}

// record runs an outcome write, repeating it with writeRetry pacing until it
// succeeds or the row is gone. Writes ignore cancellation of ctx, but once
// ctx is done no further attempt starts and the last error is returned.
func (e *Executor) record(ctx context.Context, msg string, attrs []any, write func(context.Context) error) error {
	wctx := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		err := write(wctx)
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		e.logger.Error(msg, append([]any{"error", err, "write_attempt", attempt}, attrs...)...)
		if !sleep(ctx, e.writeRetry.Delay(attempt)) {
			return err
		}
	}
}

func (e *Executor) failure(err error, attempt int) store.RecoveryFailure {
	now := e.now().UTC()
	return store.RecoveryFailure{
		AttemptCount:  attempt,
		NextAttemptAt: e.backoff.NextAttemptAt(now, attempt),
		LastError:     err.Error(),
		DeadLetter:    attempt >= e.maxAttempts,
		At:            now,
	}
}

func (e *Executor) success(n domain.Notification, attempt int, elapsed time.Duration) {
	e.logger.Info("delivery successful",
		"event_uuid", n.EventUUID,
		"tenant", n.Tenant,
		"subscription", n.SubscriptionName,
		"method", n.DeliveryTarget.Method,
		"attempt", attempt,
		"response_time_ms", elapsed.Milliseconds(),
	)
	e.broadcast(ws.TypeDeliverySuccess, n, attempt, elapsed, nil, time.Time{})
}

func (e *Executor) failed(n domain.Notification, failure store.RecoveryFailure, err error, elapsed time.Duration) {
	if failure.DeadLetter {
		e.logger.Warn("delivery dead-lettered",
			"event_uuid", n.EventUUID,
			"tenant", n.Tenant,
			"subscription", n.SubscriptionName,
			"method", n.DeliveryTarget.Method,
			"attempt", failure.AttemptCount,
			"error", err,
		)
		e.broadcast(ws.TypeDeliveryDeadLettered, n, failure.AttemptCount, elapsed, err, time.Time{})
		return
	}

	e.logger.Warn("delivery failed",
		"event_uuid", n.EventUUID,
		"tenant", n.Tenant,
		"subscription", n.SubscriptionName,
		"method", n.DeliveryTarget.Method,
		"attempt", failure.AttemptCount,
		"next_attempt_at", failure.NextAttemptAt,
		"error", err,
	)
	kind := ws.TypeDeliveryRetrying
	if failure.AttemptCount == 1 {
		kind = ws.TypeDeliveryFailed
	}
	e.broadcast(kind, n, failure.AttemptCount, elapsed, err, failure.NextAttemptAt)
}

func (e *Executor) broadcast(kind string, n domain.Notification, attempt int, elapsed time.Duration, err error, next time.Time) {
	if e.hub == nil {
		return
	}
	ev := ws.DeliveryEvent{
		Type:           kind,
		Tenant:         n.Tenant,
		EventUUID:      n.EventUUID,
		EventType:      n.Event.Type,
		Subscription:   n.Owner + "/" + n.SubscriptionName,
		DeliveryMethod: string(n.DeliveryTarget.Method),
		Address:        n.DeliveryTarget.Address,
		Attempt:        attempt,
		ResponseMs:     elapsed.Milliseconds(),
		NextAttemptAt:  next,
		Timestamp:      e.now().UTC(),
	}
	var derr *DeliveryError
	if errors.As(err, &derr) {
		ev.StatusCode = derr.StatusCode
	}
	if err != nil {
		ev.Error = err.Error()
	}
	e.hub.Broadcast(ev)
}
