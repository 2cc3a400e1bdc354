package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/store"
)

// IndexInvalidator is told when subscriptions disappeared outside the API:
// the local pool, and with Redis configured the peer processes.
type IndexInvalidator interface {
	InvalidateAll(ctx context.Context) error
}

// Reaper deletes subscriptions past their expiry. Notifications already
// owed to a reaped subscription stay and are delivered.
type Reaper struct {
	gateway  store.Gateway
	interval time.Duration
	indexes  []IndexInvalidator
	logger   *slog.Logger
	now      func() time.Time
}

func NewReaper(gateway store.Gateway, interval time.Duration, logger *slog.Logger, indexes ...IndexInvalidator) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		gateway:  gateway,
		interval: interval,
		indexes:  indexes,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info("subscription reaper started", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("subscription reaper stopping")
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// Reap runs one pass and returns the number of subscriptions deleted.
func (r *Reaper) Reap(ctx context.Context) int64 {
	n, err := r.gateway.DeleteExpiredSubscriptions(ctx, r.now().UTC())
	if err != nil {
		r.logger.Error("failed to reap expired subscriptions", "error", err)
		return 0
	}
	if n > 0 {
		r.logger.Info("reaped expired subscriptions", "deleted", n)
		for _, idx := range r.indexes {
			if err := idx.InvalidateAll(ctx); err != nil {
				r.logger.Warn("index invalidation failed", "error", err)
			}
		}
	}
	return n
}
