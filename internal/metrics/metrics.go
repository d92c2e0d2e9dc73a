package metrics

import "sync"

// Counter names. One flat namespace keeps the registry simple; the
// Prometheus handler exposes each as an `event` label value.
const (
	EnvelopesRejected = "envelopes_rejected"
	NoncesReplayed    = "nonces_replayed"
	OffersThrottled   = "offers_throttled"

	SessionsStarted   = "sessions_started"
	SessionsConnected = "sessions_connected"
	SessionsEnded     = "sessions_ended"
	SessionsMissed    = "sessions_missed"

	CallsQueued  = "calls_queued"
	QueueExpired = "queue_expired"

	RoomsCreated = "rooms_created"
	RoomsEnded   = "rooms_ended"

	ConnectionsBound   = "connections_bound"
	ConnectionsUnbound = "connections_unbound"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The production deployment is expected to plug into a real metrics
// backend; this type keeps enforcement logic testable while still being
// scrapeable through the Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies every counter for scraping.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
