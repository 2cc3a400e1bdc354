package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker tracks consecutive delivery failures per delivery target in
// Redis so that every worker (and every process) shares one view of a
// misbehaving endpoint.
//
// - Closed: deliveries proceed, failures are counted.
// - Open: deliveries are refused until the cooldown elapses.
// - Half-Open: a trial delivery is allowed. Success closes, failure re-opens.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

// CircuitBreakerState is the externally visible state for one target.
type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, failureThreshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
		now:              time.Now,
	}
}

// targetHash keeps redis keys short and free of url/email punctuation.
func targetHash(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:12])
}

func cbKey(target string) string {
	return "cb:" + targetHash(target)
}

// Allow reports whether a delivery to target may proceed.
// Redis errors fail open: a broken guard must not stop deliveries.
func (cb *CircuitBreaker) Allow(ctx context.Context, target string) (string, bool) {
	key := cbKey(target)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		cb.logger.Error("circuit breaker lookup failed", "error", err)
		return StateClosed, true
	}
	if len(data) == 0 {
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
		if cb.now().Unix()-lastFailedAt < int64(cb.cooldownPeriod.Seconds()) {
			return StateOpen, false
		}
		cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
		cb.logger.Info("circuit breaker half-open", "target", target)
		return StateHalfOpen, true
	case StateHalfOpen:
		return StateHalfOpen, true
	default:
		return StateClosed, true
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, target string) {
	key := cbKey(target)

	prev, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	if err := cb.redisClient.HSet(ctx, key, "state", StateClosed, "failures", 0).Err(); err != nil {
		cb.logger.Error("failed to record circuit breaker success", "error", err)
		return
	}
	if prev == StateHalfOpen || prev == StateOpen {
		cb.logger.Info("circuit breaker closed", "target", target)
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold,
// or immediately when a half-open trial fails.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, target string) {
	key := cbKey(target)

	var incr *redis.IntCmd
	var prev *redis.StringCmd
	_, err := cb.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prev = pipe.HGet(ctx, key, "state")
		incr = pipe.HIncrBy(ctx, key, "failures", 1)
		pipe.HSet(ctx, key, "last_failed_at", cb.now().Unix())
		return nil
	})
	if err != nil && err != redis.Nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err)
		return
	}

	failures := incr.Val()
	state := prev.Val()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker re-opened", "target", target)
	case state != StateOpen && failures >= int64(cb.failureThreshold):
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker opened",
			"target", target,
			"failures", failures,
			"threshold", cb.failureThreshold,
		)
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState returns the circuit state for a target without transitioning it.
func (cb *CircuitBreaker) GetState(ctx context.Context, target string) CircuitBreakerState {
	data, err := cb.redisClient.HGetAll(ctx, cbKey(target)).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	state := data["state"]
	if state == "" {
		state = StateClosed
	}

	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if state == StateOpen && cb.now().Unix()-lastFailed >= int64(cb.cooldownPeriod.Seconds()) {
		state = StateHalfOpen
	}

	result := CircuitBreakerState{State: state, Failures: failures}
	if lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}
	return result
}
