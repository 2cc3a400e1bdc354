package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/engine"
	"github.com/Priya8975/notification-dispatcher/internal/store"
)

type PoolConfig struct {
	BucketCount   int
	QueueSize     int
	IndexRefresh  time.Duration
	SeriesMaxWait time.Duration
}

// BucketStatus is an operator view of one bucket worker.
type BucketStatus struct {
	Bucket int    `json:"bucket"`
	State  string `json:"state"`
	Queued int    `json:"queued"`
}

// Pool runs one long-lived worker per bucket. Workers share nothing but
// the gateway.
type Pool struct {
	workers []*bucketWorker
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewPool(gateway store.Gateway, matcher *engine.Matcher, executor *Executor, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.BucketCount <= 0 {
		cfg.BucketCount = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SeriesMaxWait <= 0 {
		cfg.SeriesMaxWait = 30 * time.Second
	}
	flushEvery := cfg.SeriesMaxWait / 2
	if flushEvery > time.Second {
		flushEvery = time.Second
	}

	p := &Pool{logger: logger}
	for b := 0; b < cfg.BucketCount; b++ {
		p.workers = append(p.workers, &bucketWorker{
			bucket:     b,
			gateway:    gateway,
			matcher:    matcher,
			executor:   executor,
			index:      newSubscriptionIndex(b, gateway, cfg.IndexRefresh),
			series:     newSeriesSequencer(cfg.SeriesMaxWait),
			inbox:      make(chan envelope, cfg.QueueSize),
			flushEvery: flushEvery,
			logger:     logger,
			now:        time.Now,
		})
	}
	return p
}

// Start launches every bucket worker. They stop when ctx is cancelled;
// Wait blocks until they have.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *bucketWorker) {
			defer p.wg.Done()
			w.run(ctx)
		}(w)
	}
	p.logger.Info("bucket pool started", "buckets", len(p.workers))
}

func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Info("bucket pool stopped")
}

func (p *Pool) BucketCount() int {
	return len(p.workers)
}

// Submit queues event for bucket. The returned channel yields the outcome
// of the bucket's PERSISTING step.
func (p *Pool) Submit(ctx context.Context, bucket int, event domain.Event) (<-chan error, error) {
	if bucket < 0 || bucket >= len(p.workers) {
		return nil, fmt.Errorf("bucket %d out of range [0, %d)", bucket, len(p.workers))
	}
	env := envelope{event: event, ack: make(chan error, 1)}
	select {
	case p.workers[bucket].inbox <- env:
		return env.ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate marks a bucket's subscription index stale.
func (p *Pool) Invalidate(_ context.Context, bucket int) error {
	if bucket < 0 || bucket >= len(p.workers) {
		return fmt.Errorf("bucket %d out of range [0, %d)", bucket, len(p.workers))
	}
	p.workers[bucket].index.invalidate()
	return nil
}

func (p *Pool) InvalidateAll(_ context.Context) error {
	for _, w := range p.workers {
		w.index.invalidate()
	}
	return nil
}

// ApplyInvalidation handles a bucket announced by another process.
// store.AllBuckets marks every index stale. A bucket this pool does not run
// is logged and ignored.
func (p *Pool) ApplyInvalidation(ctx context.Context, bucket int) {
	if bucket == store.AllBuckets {
		p.InvalidateAll(ctx)
		return
	}
	if err := p.Invalidate(ctx, bucket); err != nil {
		p.logger.Warn("index invalidation failed", "bucket", bucket, "error", err)
	}
}

func (p *Pool) Status() []BucketStatus {
	out := make([]BucketStatus, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, BucketStatus{
			Bucket: w.bucket,
			State:  w.State().String(),
			Queued: len(w.inbox),
		})
	}
	return out
}
