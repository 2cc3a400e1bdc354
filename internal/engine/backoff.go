package engine

import "time"

// Backoff computes retry times for recovery entries.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay: 30 * time.Second,
		MaxDelay:  30 * time.Minute,
	}
}

// Delay returns base * 2^(attempt-1), capped at MaxDelay.
// attempt is 1-based; values below 1 behave like 1.
func (b Backoff) Delay(attempt int) time.Duration {
	base, maxDelay := b.BaseDelay, b.MaxDelay
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// NextAttemptAt returns when the given attempt becomes due.
func (b Backoff) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt)).UTC()
}
