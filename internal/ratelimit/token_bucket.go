package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a deterministic whole-token bucket: one token is refilled
// every RefillInterval, up to Capacity. Refill accounting is integral (the
// reference point only advances by whole intervals), so no fractional state
// is carried and the arithmetic cannot drift.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity       int64
	refillInterval time.Duration

	available int64
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity int64, refillInterval time.Duration) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if refillInterval <= 0 {
		refillInterval = time.Second
	}
	return &TokenBucket{
		clock:          clock,
		capacity:       capacity,
		refillInterval: refillInterval,
		available:      capacity,
		last:           clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < 1 {
		return false
	}
	b.available--
	return true
}

// LastTouched reports the bucket's refill reference point. Used by the
// limiter's idle-bucket sweep.
func (b *TokenBucket) LastTouched() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Do not refill; move the reference point.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	if elapsed < b.refillInterval {
		return
	}

	tokens := int64(elapsed / b.refillInterval)
	if b.available+tokens >= b.capacity {
		b.available = b.capacity
		b.last = now
		return
	}

	b.available += tokens
	b.last = b.last.Add(time.Duration(tokens) * b.refillInterval)
}
