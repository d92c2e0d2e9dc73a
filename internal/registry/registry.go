// Package registry maps live addresses to their transport bindings and owns
// the outbound write path.
//
// Each binding carries a buffered outbound queue drained by a single writer
// goroutine, so producers (the relay, room broadcasts) never touch the
// transport directly and per-binding write ordering is FIFO.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callvault/signalcore/internal/address"
)

// ErrBindingClosed is returned when enqueueing to a binding whose transport
// is gone or whose writer has stopped.
var ErrBindingClosed = errors.New("binding closed")

// DefaultSendQueueLen bounds per-binding outbound backlog. A consumer that
// falls this far behind is treated as lost rather than buffered forever.
const DefaultSendQueueLen = 64

// Sender is the write half of a transport connection. Send must be safe to
// call from the binding's writer goroutine only; Close must be idempotent.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// Binding is one live (address, transport) attachment. An address may hold
// several bindings at once (multi-device).
type Binding struct {
	id          string
	addr        address.Address
	connectedAt time.Time

	sender Sender
	queue  chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// ID is the binding's unique identifier, used in logs.
func (b *Binding) ID() string { return b.id }

// Address returns the bound address.
func (b *Binding) Address() address.Address { return b.addr }

// ConnectedAt reports when the binding was established.
func (b *Binding) ConnectedAt() time.Time { return b.connectedAt }

// Done is closed when the binding's writer has stopped, either from Unbind
// or a transport write failure.
func (b *Binding) Done() <-chan struct{} { return b.done }

// Enqueue appends one outbound message. It never blocks: a full queue means
// the consumer is not draining, and the binding is closed instead.
func (b *Binding) Enqueue(data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBindingClosed
	}
	select {
	case b.queue <- data:
		b.mu.Unlock()
		return nil
	default:
		b.closeLocked()
		b.mu.Unlock()
		return ErrBindingClosed
	}
}

func (b *Binding) closeLocked() {
	if b.closed {
		return
	}
	b.closed = true
	close(b.queue)
	_ = b.sender.Close()
}

func (b *Binding) close() {
	b.mu.Lock()
	b.closeLocked()
	b.mu.Unlock()
}

func (b *Binding) writeLoop() {
	defer close(b.done)
	for data := range b.queue {
		if err := b.sender.Send(data); err != nil {
			b.close()
			// Drain so pending Enqueues that raced the close observe a
			// closed channel rather than blocking the GC on the buffer.
			for range b.queue {
			}
			return
		}
	}
}

type regShard struct {
	mu     sync.Mutex
	byAddr map[address.Address]map[*Binding]struct{}
}

// Registry is the sharded address -> bindings map.
type Registry struct {
	clock  func() time.Time
	shards []*regShard

	queueLen int
}

// Config controls Registry construction. Zero values select defaults.
type Config struct {
	Shards       int
	SendQueueLen int
	Now          func() time.Time
}

func New(cfg Config) *Registry {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = DefaultSendQueueLen
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry{
		clock:    cfg.Now,
		shards:   make([]*regShard, cfg.Shards),
		queueLen: cfg.SendQueueLen,
	}
	for i := range r.shards {
		r.shards[i] = &regShard{byAddr: make(map[address.Address]map[*Binding]struct{})}
	}
	return r
}

// Bind attaches sender to addr and starts its writer goroutine.
func (r *Registry) Bind(addr address.Address, sender Sender) *Binding {
	b := &Binding{
		id:          uuid.NewString(),
		addr:        addr,
		connectedAt: r.clock(),
		sender:      sender,
		queue:       make(chan []byte, r.queueLen),
		done:        make(chan struct{}),
	}

	s := r.shardFor(addr)
	s.mu.Lock()
	set, ok := s.byAddr[addr]
	if !ok {
		set = make(map[*Binding]struct{})
		s.byAddr[addr] = set
	}
	set[b] = struct{}{}
	s.mu.Unlock()

	go b.writeLoop()
	return b
}

// Unbind removes b synchronously: after Unbind returns, Lookup no longer
// yields b and its writer is stopping. Safe to call more than once.
func (r *Registry) Unbind(b *Binding) {
	if b == nil {
		return
	}
	s := r.shardFor(b.addr)
	s.mu.Lock()
	if set, ok := s.byAddr[b.addr]; ok {
		delete(set, b)
		if len(set) == 0 {
			delete(s.byAddr, b.addr)
		}
	}
	s.mu.Unlock()

	b.close()
}

// Lookup returns a snapshot of addr's live bindings.
func (r *Registry) Lookup(addr address.Address) []*Binding {
	s := r.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.byAddr[addr]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Binding, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	return out
}

// SendTo fans data out to every live binding of addr and reports how many
// accepted it.
func (r *Registry) SendTo(addr address.Address, data []byte) int {
	delivered := 0
	for _, b := range r.Lookup(addr) {
		if err := b.Enqueue(data); err == nil {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) shardFor(a address.Address) *regShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(a.String()))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}
