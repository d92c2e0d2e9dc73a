// Package replay tracks consumed envelope nonces so a signed message cannot
// be accepted twice within its validity window.
package replay

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/callvault/signalcore/internal/address"
)

// ErrReplayedNonce is returned when a (signer, nonce) pair is seen again
// while its record is still live.
var ErrReplayedNonce = errors.New("replayed nonce")

// DefaultTTL is how long a consumed nonce stays unacceptable. Records may
// survive longer than the TTL (the sweep is periodic); they are never
// evicted earlier.
const DefaultTTL = 5 * time.Minute

const defaultShards = 16

// Clock abstracts wall-clock reads for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type shard struct {
	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry
}

// Guard is a sharded TTL set of consumed (signer, nonce) pairs. It is
// created at process start and injected into the verifier; there is no
// ambient singleton.
type Guard struct {
	ttl    time.Duration
	clock  Clock
	shards []*shard

	stop     chan struct{}
	stopOnce sync.Once
}

// Config controls Guard construction. Zero values select defaults.
type Config struct {
	TTL           time.Duration
	Shards        int
	Clock         Clock
	SweepInterval time.Duration
}

// NewGuard builds a Guard and starts its background sweeper. Call Close to
// stop the sweeper.
func NewGuard(cfg Config) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL / 2
	}

	g := &Guard{
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		shards: make([]*shard, cfg.Shards),
		stop:   make(chan struct{}),
	}
	for i := range g.shards {
		g.shards[i] = &shard{seen: make(map[string]time.Time)}
	}

	go g.sweepLoop(cfg.SweepInterval)
	return g
}

// CheckAndRecord records (signer, nonce) as consumed, or reports
// ErrReplayedNonce if it is already live. The check and the insert are
// atomic per shard, so concurrent submissions of the same pair admit
// exactly one.
func (g *Guard) CheckAndRecord(signer address.Address, nonce string, now time.Time) error {
	key := signer.String() + "\x00" + nonce
	s := g.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.seen[key]; ok && now.Before(expiry) {
		return ErrReplayedNonce
	}
	s.seen[key] = now.Add(g.ttl)
	return nil
}

// Len reports the number of live records. Intended for tests and metrics.
func (g *Guard) Len() int {
	n := 0
	for _, s := range g.shards {
		s.mu.Lock()
		n += len(s.seen)
		s.mu.Unlock()
	}
	return n
}

// Close stops the background sweeper. The guard remains usable; records
// simply stop being reclaimed.
func (g *Guard) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *Guard) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[h.Sum32()%uint32(len(g.shards))]
}

func (g *Guard) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.sweep(g.clock.Now())
		}
	}
}

func (g *Guard) sweep(now time.Time) {
	for _, s := range g.shards {
		s.mu.Lock()
		for key, expiry := range s.seen {
			if !now.Before(expiry) {
				delete(s.seen, key)
			}
		}
		s.mu.Unlock()
	}
}
