// Package subscription implements the subscription management operations
// consumed by the API layer. Every write assigns derived fields, stamps
// updated/expiry and invalidates the owning bucket's index.
package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/notification-dispatcher/internal/domain"
	"github.com/Priya8975/notification-dispatcher/internal/engine"
	"github.com/Priya8975/notification-dispatcher/internal/store"
	"github.com/google/uuid"
)

// Invalidator is told when a bucket's subscriptions changed.
type Invalidator interface {
	Invalidate(ctx context.Context, bucket int) error
}

type Service struct {
	gateway      store.Gateway
	bucketCount  int
	invalidators []Invalidator
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(gateway store.Gateway, bucketCount int, logger *slog.Logger, invalidators ...Invalidator) *Service {
	return &Service{
		gateway:      gateway,
		bucketCount:  bucketCount,
		invalidators: invalidators,
		logger:       logger,
		now:          time.Now,
	}
}

// Create validates sub, assigns its UUID and bucket, and persists it.
func (s *Service) Create(ctx context.Context, sub domain.Subscription) (*domain.Subscription, error) {
	sub.SeqID = 0
	sub.UUID = uuid.NewString()
	sub.BucketNumber = engine.BucketOf(sub.Tenant, sub.Owner, sub.Name, s.bucketCount)
	sub.Created = time.Time{}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	sub.Touch(s.now())

	if err := s.gateway.CreateSubscription(ctx, &sub); err != nil {
		return nil, err
	}
	s.logger.Info("subscription created",
		"tenant", sub.Tenant,
		"owner", sub.Owner,
		"subscription", sub.Name,
		"bucket", sub.BucketNumber,
	)
	s.invalidate(ctx, sub.BucketNumber)
	return &sub, nil
}

func (s *Service) Get(ctx context.Context, tenant, owner, name string) (*domain.Subscription, error) {
	return s.gateway.GetSubscription(ctx, tenant, owner, name)
}

// List returns the tenant's subscriptions; an empty owner lists all owners.
func (s *Service) List(ctx context.Context, tenant, owner string) ([]domain.Subscription, error) {
	return s.gateway.ListSubscriptions(ctx, tenant, owner)
}

// Patch applies the non-nil fields of patch.
func (s *Service) Patch(ctx context.Context, tenant, owner, name string, patch domain.PatchSubscription) (*domain.Subscription, error) {
	if patch.Empty() {
		return nil, &domain.ValidationError{Field: "patch", Message: "no fields to update"}
	}
	return s.modify(ctx, tenant, owner, name, func(sub *domain.Subscription) error {
		return patch.Apply(sub, s.now())
	})
}

// Put replaces every mutable field of an existing subscription with the
// values in replacement. Identity fields are taken from the path.
func (s *Service) Put(ctx context.Context, tenant, owner, name string, replacement domain.Subscription) (*domain.Subscription, error) {
	return s.modify(ctx, tenant, owner, name, func(sub *domain.Subscription) error {
		next := *sub
		next.Description = replacement.Description
		next.Enabled = replacement.Enabled
		next.TypeFilter = replacement.TypeFilter
		next.SubjectFilter = replacement.SubjectFilter
		next.DeliveryTargets = replacement.DeliveryTargets
		next.TTLMinutes = replacement.TTLMinutes
		if err := next.Validate(); err != nil {
			return err
		}
		next.Touch(s.now())
		*sub = next
		return nil
	})
}

func (s *Service) Enable(ctx context.Context, tenant, owner, name string) (*domain.Subscription, error) {
	return s.setEnabled(ctx, tenant, owner, name, true)
}

func (s *Service) Disable(ctx context.Context, tenant, owner, name string) (*domain.Subscription, error) {
	return s.setEnabled(ctx, tenant, owner, name, false)
}

func (s *Service) setEnabled(ctx context.Context, tenant, owner, name string, enabled bool) (*domain.Subscription, error) {
	return s.modify(ctx, tenant, owner, name, func(sub *domain.Subscription) error {
		sub.Enabled = enabled
		sub.Touch(s.now())
		return nil
	})
}

// UpdateTTL changes the time-to-live; expiry is recomputed from now.
func (s *Service) UpdateTTL(ctx context.Context, tenant, owner, name string, ttlMinutes int) (*domain.Subscription, error) {
	if ttlMinutes < 0 {
		return nil, &domain.ValidationError{Field: "ttlMinutes", Message: "must not be negative"}
	}
	return s.modify(ctx, tenant, owner, name, func(sub *domain.Subscription) error {
		sub.TTLMinutes = ttlMinutes
		sub.Touch(s.now())
		return nil
	})
}

// Delete removes the subscription and reports how many rows were deleted;
// zero means it did not exist.
func (s *Service) Delete(ctx context.Context, tenant, owner, name string) (int64, error) {
	n, err := s.gateway.DeleteSubscription(ctx, tenant, owner, name)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("subscription deleted", "tenant", tenant, "owner", owner, "subscription", name)
		s.invalidate(ctx, engine.BucketOf(tenant, owner, name, s.bucketCount))
	}
	return n, nil
}

func (s *Service) modify(ctx context.Context, tenant, owner, name string, mutate func(*domain.Subscription) error) (*domain.Subscription, error) {
	sub, err := s.gateway.ModifySubscription(ctx, tenant, owner, name, mutate)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, sub.BucketNumber)
	return sub, nil
}

func (s *Service) invalidate(ctx context.Context, bucket int) {
	for _, inv := range s.invalidators {
		if err := inv.Invalidate(ctx, bucket); err != nil {
			s.logger.Warn("index invalidation failed", "bucket", bucket, "error", err)
		}
	}
}
