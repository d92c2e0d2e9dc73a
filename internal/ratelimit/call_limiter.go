// Package ratelimit enforces the per-address call-initiation budget.
//
// The observable contract is one bucket of DefaultBudget admissions per
// caller address, refilled one token per DefaultRefillInterval, which keeps
// any caller at or under the budget across a rolling minute once the
// initial burst is spent.
package ratelimit

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/callvault/signalcore/internal/address"
)

// ErrThrottled is returned when a caller has exhausted its initiation budget.
var ErrThrottled = errors.New("throttled")

const (
	// DefaultBudget is the number of call initiations admitted per caller
	// per rolling window.
	DefaultBudget = 10

	// DefaultRefillInterval restores one admission; 6s keeps the steady
	// rate at 10 per minute.
	DefaultRefillInterval = 6 * time.Second

	defaultShards = 16

	// idleBucketTTL bounds memory held for callers that stopped calling. A
	// bucket untouched this long is fully refilled by definition, so
	// dropping it cannot grant extra budget.
	idleBucketTTL = 5 * time.Minute
)

type limiterShard struct {
	mu      sync.Mutex
	buckets map[address.Address]*TokenBucket
}

// CallLimiter tracks one token bucket per caller address, sharded so
// concurrent admissions for different callers do not contend on one lock.
type CallLimiter struct {
	clock          Clock
	budget         int64
	refillInterval time.Duration
	shards         []*limiterShard

	stop     chan struct{}
	stopOnce sync.Once
}

// CallLimiterConfig controls construction. Zero values select defaults.
type CallLimiterConfig struct {
	Budget         int
	RefillInterval time.Duration
	Shards         int
	Clock          Clock
	SweepInterval  time.Duration
}

func NewCallLimiter(cfg CallLimiterConfig) *CallLimiter {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = DefaultRefillInterval
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = idleBucketTTL
	}

	l := &CallLimiter{
		clock:          cfg.Clock,
		budget:         int64(cfg.Budget),
		refillInterval: cfg.RefillInterval,
		shards:         make([]*limiterShard, cfg.Shards),
		stop:           make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &limiterShard{buckets: make(map[address.Address]*TokenBucket)}
	}

	go l.sweepLoop(cfg.SweepInterval)
	return l
}

// Admit consumes one initiation token for caller, or reports ErrThrottled.
// A throttled request consumes nothing, so an immediate retry neither
// spends budget twice nor burns a nonce (nonce recording happens after
// admission in the relay pipeline).
func (l *CallLimiter) Admit(caller address.Address) error {
	s := l.shardFor(caller)

	s.mu.Lock()
	b, ok := s.buckets[caller]
	if !ok {
		b = NewTokenBucket(l.clock, l.budget, l.refillInterval)
		s.buckets[caller] = b
	}
	s.mu.Unlock()

	if !b.Allow() {
		return ErrThrottled
	}
	return nil
}

// Close stops the idle-bucket sweeper.
func (l *CallLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *CallLimiter) shardFor(a address.Address) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(a.String()))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *CallLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep(l.clock.Now())
		}
	}
}

func (l *CallLimiter) sweep(now time.Time) {
	for _, s := range l.shards {
		s.mu.Lock()
		for addr, b := range s.buckets {
			if now.Sub(b.LastTouched()) >= idleBucketTTL {
				delete(s.buckets, addr)
			}
		}
		s.mu.Unlock()
	}
}
