package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// IndexInvalidationChannel carries bucket numbers whose subscription index
// changed, so every dispatcher process sharing the database can refresh.
const IndexInvalidationChannel = "dispatcher:index:invalidate"

// AllBuckets is delivered to invalidation subscribers when every bucket's
// index changed. It travels as "*" on the channel.
const AllBuckets = -1

const allBucketsPayload = "*"

type RedisStore struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Invalidate announces that a bucket's subscriptions changed.
func (s *RedisStore) Invalidate(ctx context.Context, bucket int) error {
	if err := s.client.Publish(ctx, IndexInvalidationChannel, strconv.Itoa(bucket)).Err(); err != nil {
		return fmt.Errorf("publishing invalidation: %w", err)
	}
	return nil
}

// InvalidateAll announces that subscriptions changed in any bucket.
func (s *RedisStore) InvalidateAll(ctx context.Context) error {
	if err := s.client.Publish(ctx, IndexInvalidationChannel, allBucketsPayload).Err(); err != nil {
		return fmt.Errorf("publishing invalidation: %w", err)
	}
	return nil
}

// SubscribeInvalidations calls fn for every announced bucket until ctx is
// cancelled. Malformed payloads are logged and dropped.
func (s *RedisStore) SubscribeInvalidations(ctx context.Context, logger *slog.Logger, fn func(bucket int)) error {
	sub := s.client.Subscribe(ctx, IndexInvalidationChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", IndexInvalidationChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Payload == allBucketsPayload {
				fn(AllBuckets)
				continue
			}
			bucket, err := strconv.Atoi(msg.Payload)
			if err != nil || bucket < 0 {
				logger.Warn("dropping malformed invalidation", "payload", msg.Payload)
				continue
			}
			fn(bucket)
		}
	}
}
