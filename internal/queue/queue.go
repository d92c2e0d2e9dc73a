// Package queue holds the per-callee waiting lines used when a callee is
// busy or gated. Ordering is priority first (paid/whitelisted above free),
// then FIFO by enqueue time.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/policy"
)

// ErrQueueExpired tags the notification sent to a caller whose entry waited
// past the queue timeout.
var ErrQueueExpired = errors.New("queue expired")

// DefaultEntryTTL is how long an entry may wait before it is dropped and
// its caller notified.
const DefaultEntryTTL = 2 * time.Minute

// Clock abstracts time reads for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Entry is one caller waiting for one callee.
type Entry struct {
	Caller     address.Address
	Callee     address.Address
	Priority   policy.Priority
	EnqueuedAt time.Time
}

type line struct {
	mu      sync.Mutex
	entries []Entry // kept sorted: priority desc, enqueuedAt asc
}

// Queue is the set of per-callee waiting lines. Mutation is atomic per
// callee; distinct callees never contend on one lock.
type Queue struct {
	clock Clock
	ttl   time.Duration

	onExpired func(Entry)

	mu    sync.Mutex
	lines map[address.Address]*line

	stop     chan struct{}
	stopOnce sync.Once
}

// Config controls Queue construction. Zero values select defaults.
type Config struct {
	Clock         Clock
	EntryTTL      time.Duration
	SweepInterval time.Duration

	// OnExpired is invoked once per dropped entry, outside any queue lock.
	OnExpired func(Entry)
}

func New(cfg Config) *Queue {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = DefaultEntryTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.EntryTTL / 4
	}

	q := &Queue{
		clock:     cfg.Clock,
		ttl:       cfg.EntryTTL,
		onExpired: cfg.OnExpired,
		lines:     make(map[address.Address]*line),
		stop:      make(chan struct{}),
	}
	go q.sweepLoop(cfg.SweepInterval)
	return q
}

// Close stops the expiry sweeper.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Enqueue adds caller to callee's line and returns its 1-based position.
//
// A caller already waiting for this callee is not queued twice: a repeat
// request refreshes the entry only when it strictly increases priority
// (which also resets its FIFO timestamp); otherwise it is a no-op
// acknowledging the existing position.
func (q *Queue) Enqueue(caller, callee address.Address, prio policy.Priority) int {
	now := q.clock.Now()
	l := q.lineFor(callee)

	l.mu.Lock()
	defer l.mu.Unlock()
	q.expireLocked(l, now)

	for i, e := range l.entries {
		if e.Caller == caller {
			if prio > e.Priority {
				l.entries[i].Priority = prio
				l.entries[i].EnqueuedAt = now
				sortLine(l)
			}
			return positionLocked(l, caller)
		}
	}

	l.entries = append(l.entries, Entry{
		Caller:     caller,
		Callee:     callee,
		Priority:   prio,
		EnqueuedAt: now,
	})
	sortLine(l)
	return positionLocked(l, caller)
}

// DequeueNext removes and returns the highest-priority entry for callee.
func (q *Queue) DequeueNext(callee address.Address) (Entry, bool) {
	l := q.lineFor(callee)

	l.mu.Lock()
	defer l.mu.Unlock()
	q.expireLocked(l, q.clock.Now())

	if len(l.entries) == 0 {
		return Entry{}, false
	}
	head := l.entries[0]
	l.entries = l.entries[1:]
	return head, true
}

// Restore reinserts a previously dequeued entry, keeping its priority and
// original enqueue time so it does not lose its FIFO slot. Used when the
// callee turned busy between dequeue and ring. No-op if the caller has
// re-entered the line in the meantime.
func (q *Queue) Restore(e Entry) {
	l := q.lineFor(e.Callee)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.entries {
		if existing.Caller == e.Caller {
			return
		}
	}
	l.entries = append(l.entries, e)
	sortLine(l)
}

// Remove drops caller's entry from callee's line (cancel or disconnect).
// Removing an absent entry is a no-op.
func (q *Queue) Remove(caller, callee address.Address) bool {
	l := q.lineFor(callee)

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.Caller == caller {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Position returns caller's 1-based slot in callee's line.
func (q *Queue) Position(caller, callee address.Address) (int, bool) {
	l := q.lineFor(callee)

	l.mu.Lock()
	defer l.mu.Unlock()
	q.expireLocked(l, q.clock.Now())

	pos := positionLocked(l, caller)
	return pos, pos > 0
}

// Len reports the number of entries waiting for callee.
func (q *Queue) Len(callee address.Address) int {
	l := q.lineFor(callee)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (q *Queue) lineFor(callee address.Address) *line {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lines[callee]
	if !ok {
		l = &line{}
		q.lines[callee] = l
	}
	return l
}

// expireLocked drops entries past the TTL. The onExpired callback runs on a
// separate goroutine; the line lock is never held across it.
func (q *Queue) expireLocked(l *line, now time.Time) {
	if q.ttl <= 0 {
		return
	}
	var expired []Entry
	kept := l.entries[:0]
	for _, e := range l.entries {
		if now.Sub(e.EnqueuedAt) >= q.ttl {
			expired = append(expired, e)
		} else {
			kept = append(kept, e)
		}
	}
	l.entries = kept
	if len(expired) > 0 && q.onExpired != nil {
		go func(entries []Entry) {
			for _, e := range entries {
				q.onExpired(e)
			}
		}(expired)
	}
}

func (q *Queue) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.sweep(q.clock.Now())
		}
	}
}

func (q *Queue) sweep(now time.Time) {
	q.mu.Lock()
	lines := make([]*line, 0, len(q.lines))
	for _, l := range q.lines {
		lines = append(lines, l)
	}
	q.mu.Unlock()

	for _, l := range lines {
		l.mu.Lock()
		q.expireLocked(l, now)
		l.mu.Unlock()
	}
}

func sortLine(l *line) {
	sort.SliceStable(l.entries, func(i, j int) bool {
		if l.entries[i].Priority != l.entries[j].Priority {
			return l.entries[i].Priority > l.entries[j].Priority
		}
		return l.entries[i].EnqueuedAt.Before(l.entries[j].EnqueuedAt)
	})
}

func positionLocked(l *line, caller address.Address) int {
	for i, e := range l.entries {
		if e.Caller == caller {
			return i + 1
		}
	}
	return 0
}
