package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/store"
)

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// Lease is how long a claimed entry is hidden from other sweepers.
	Lease time.Duration
}

// Sweeper retries due recovery entries through the Executor's delivery
// primitive. Matching is never repeated.
type Sweeper struct {
	gateway  store.Gateway
	executor *Executor
	cfg      SweeperConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(gateway store.Gateway, executor *Executor, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Sweeper{
		gateway:  gateway,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("recovery sweeper started", "interval", s.cfg.Interval.String())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep claims one batch of due entries and retries each. It returns the
// number of entries attempted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	entries, err := s.gateway.ClaimDueRecovery(ctx, s.now().UTC(), s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to claim recovery entries", "error", err)
		return 0
	}

	attempted := 0
	for _, r := range entries {
		if ctx.Err() != nil {
			// unattempted claims become due again when the lease lapses
			break
		}
		s.executor.Retry(ctx, r)
		attempted++
	}
	if attempted > 0 {
		s.logger.Debug("recovery sweep finished", "attempted", attempted)
	}
	return attempted
}
