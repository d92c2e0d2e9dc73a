// Package relay orchestrates the one-to-one call lifecycle: verified offer
// admission, ringing, verbatim negotiation relaying, queue handoff for busy
// or gated callees, and terminal transitions with lifecycle events.
package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/envelope"
	"github.com/callvault/signalcore/internal/metrics"
	"github.com/callvault/signalcore/internal/policy"
	"github.com/callvault/signalcore/internal/queue"
	"github.com/callvault/signalcore/internal/ratelimit"
	"github.com/callvault/signalcore/internal/registry"
	"github.com/callvault/signalcore/internal/verify"
)

// DefaultRingTimeout bounds how long a callee may ring before the session
// ends as missed.
const DefaultRingTimeout = 45 * time.Second

// DefaultIdleTimeout ends a session with no relayed activity.
const DefaultIdleTimeout = 5 * time.Minute

// Clock abstracts time reads for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// pendingCall is a queued offer retained until its entry is dequeued,
// cancelled, or expired.
type pendingCall struct {
	caller        address.Address
	offer         envelope.Offer
	freeFirstCall bool
}

// Config wires the relay's runtime dependencies.
type Config struct {
	Log      *slog.Logger
	Clock    Clock
	Verifier *verify.Verifier
	Limiter  *ratelimit.CallLimiter
	Registry *registry.Registry
	Policy   policy.Provider
	Metrics  *metrics.Metrics
	Events   EventSink

	RingTimeout time.Duration
	IdleTimeout time.Duration

	// QueueEntryTTL bounds queue waiting time; zero selects the queue
	// package default.
	QueueEntryTTL time.Duration
}

// Relay owns the session table and the per-callee queue. All mutable shared
// state it consults (replay guard, rate limiter, registry, queue) is
// sharded per key; the session table itself is guarded by one short-lived
// mutex never held across I/O or callbacks.
type Relay struct {
	log      *slog.Logger
	clock    Clock
	verifier *verify.Verifier
	limiter  *ratelimit.CallLimiter
	registry *registry.Registry
	policy   policy.Provider
	metrics  *metrics.Metrics
	events   EventSink
	queue    *queue.Queue

	ringTimeout time.Duration
	idleTimeout time.Duration

	mu      sync.Mutex
	byPair  map[string]*Session
	byAddr  map[address.Address]map[*Session]struct{}
	pending map[string]pendingCall
}

func New(cfg Config) *Relay {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Events == nil {
		cfg.Events = NopSink{}
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	r := &Relay{
		log:         cfg.Log,
		clock:       cfg.Clock,
		verifier:    cfg.Verifier,
		limiter:     cfg.Limiter,
		registry:    cfg.Registry,
		policy:      cfg.Policy,
		metrics:     cfg.Metrics,
		events:      cfg.Events,
		ringTimeout: cfg.RingTimeout,
		idleTimeout: cfg.IdleTimeout,
		byPair:      make(map[string]*Session),
		byAddr:      make(map[address.Address]map[*Session]struct{}),
		pending:     make(map[string]pendingCall),
	}
	r.queue = queue.New(queue.Config{
		Clock:     queueClock{cfg.Clock},
		EntryTTL:  cfg.QueueEntryTTL,
		OnExpired: r.onQueueExpired,
	})
	return r
}

// queueClock adapts relay.Clock to queue.Clock.
type queueClock struct{ c Clock }

func (q queueClock) Now() time.Time { return q.c.Now() }

// Close stops the queue sweeper. Live sessions are left to their timers.
func (r *Relay) Close() {
	r.queue.Close()
}

// Metrics returns the shared counter registry.
func (r *Relay) Metrics() *metrics.Metrics { return r.metrics }

// SessionFor returns the live session for the unordered (a, b) pair.
func (r *Relay) SessionFor(a, b address.Address) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byPair[address.PairKey(a, b)]
	return s, ok
}

// QueuePosition reports caller's slot in callee's waiting line.
func (r *Relay) QueuePosition(caller, callee address.Address) (int, bool) {
	return r.queue.Position(caller, callee)
}

// HandleOffer admits a signed call offer.
//
// Check order is fixed: signature and freshness first, then the admission
// policy and the rate limiter, and only then nonce consumption. A throttled
// or gated offer must stay retryable with the same nonce.
func (r *Relay) HandleOffer(env *envelope.Envelope) error {
	offer, ok := env.Payload.Body.(envelope.Offer)
	if !ok {
		return fmt.Errorf("%w: expected offer", envelope.ErrInvalidPayload)
	}
	now := r.clock.Now()

	if err := r.verifier.VerifyWithoutNonce(env, now); err != nil {
		r.metrics.Inc(metrics.EnvelopesRejected)
		return err
	}

	caller, callee := env.Signer, offer.Callee
	if caller == callee {
		return fmt.Errorf("%w: offer to self", envelope.ErrInvalidPayload)
	}

	decision, err := policy.Decide(r.policy, caller, callee)
	if err != nil {
		return err
	}
	if err := r.limiter.Admit(caller); err != nil {
		r.metrics.Inc(metrics.OffersThrottled)
		return err
	}
	if err := r.verifier.ConsumeNonce(env, now); err != nil {
		r.metrics.Inc(metrics.NoncesReplayed)
		return err
	}

	key := address.PairKey(caller, callee)

	r.mu.Lock()
	if _, exists := r.byPair[key]; exists {
		r.mu.Unlock()
		return ErrSessionAlreadyActive
	}
	if _, queued := r.pending[key]; queued {
		// Repeat offer while queued: the queue refreshes priority upgrades;
		// otherwise this acknowledges the existing slot.
		r.pending[key] = pendingCall{caller: caller, offer: offer, freeFirstCall: decision.FreeFirstCall}
		r.mu.Unlock()
		pos := r.queue.Enqueue(caller, callee, decision.Priority)
		r.notify(caller, envelope.ServerMessage{Type: envelope.ServerQueued, From: &callee, Position: pos})
		return nil
	}

	calleeBusy := len(r.byAddr[callee]) > 0
	calleeOnline := len(r.registry.Lookup(callee)) > 0
	if decision.Outcome == policy.OutcomeQueue || calleeBusy || !calleeOnline {
		r.pending[key] = pendingCall{caller: caller, offer: offer, freeFirstCall: decision.FreeFirstCall}
		r.mu.Unlock()

		pos := r.queue.Enqueue(caller, callee, decision.Priority)
		r.metrics.Inc(metrics.CallsQueued)
		r.notify(caller, envelope.ServerMessage{Type: envelope.ServerQueued, From: &callee, Position: pos})
		return nil
	}

	sess := r.createSessionLocked(caller, callee, offer.Call, now)
	r.mu.Unlock()

	r.startRinging(sess, offer, decision.FreeFirstCall)
	return nil
}

// HandleAnswer connects a ringing session. Only the callee may answer.
func (r *Relay) HandleAnswer(signer address.Address, body envelope.Answer) error {
	sess, ok := r.SessionFor(signer, body.To)
	if !ok || sess.callee != signer {
		return ErrNoSuchSession
	}
	if !sess.transition(StateRinging, StateConnected) {
		return ErrNotRinging
	}

	sess.mu.Lock()
	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
	}
	sess.mu.Unlock()

	sess.touch(r.clock.Now())
	r.metrics.Inc(metrics.SessionsConnected)

	sdp := body.SDP
	r.notify(sess.caller, envelope.ServerMessage{
		Type:      envelope.ServerCallAnswered,
		SessionID: sess.id,
		From:      &sess.callee,
		SDP:       &sdp,
	})
	return nil
}

// HandleReject declines a ringing session. Only the callee may reject.
func (r *Relay) HandleReject(signer address.Address, body envelope.Reject) error {
	sess, ok := r.SessionFor(signer, body.To)
	if !ok || sess.callee != signer {
		return ErrNoSuchSession
	}
	if !sess.endIf(StateRinging) {
		return ErrNotRinging
	}
	r.notify(sess.caller, envelope.ServerMessage{
		Type:      envelope.ServerCallRejected,
		SessionID: sess.id,
		From:      &sess.callee,
	})
	r.finish(sess, EndReasonRejected)
	return nil
}

// HandleCancel withdraws the signer's ringing or queued call toward To.
// Cancellation is idempotent: cancelling nothing is a no-op.
func (r *Relay) HandleCancel(signer address.Address, body envelope.Cancel) error {
	if sess, ok := r.SessionFor(signer, body.To); ok && sess.caller == signer {
		if sess.endIf(StateRinging) {
			r.notify(sess.callee, envelope.ServerMessage{
				Type:      envelope.ServerCallCancelled,
				SessionID: sess.id,
				From:      &sess.caller,
			})
			r.finish(sess, EndReasonCancelled)
		}
		return nil
	}

	key := address.PairKey(signer, body.To)
	r.mu.Lock()
	_, wasPending := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()
	if wasPending {
		r.queue.Remove(signer, body.To)
	}
	return nil
}

// HandleCandidate relays one ICE candidate to the counterpart, verbatim and
// in arrival order.
func (r *Relay) HandleCandidate(signer address.Address, body envelope.ICECandidate) error {
	sess, ok := r.SessionFor(signer, body.To)
	if !ok {
		return ErrNoSuchSession
	}
	peer, party := sess.peer(signer)
	if !party || sess.State() == StateEnded {
		return ErrNoSuchSession
	}

	sess.touch(r.clock.Now())
	cand := body.Candidate
	r.notify(peer, envelope.ServerMessage{
		Type:      envelope.ServerICECandidate,
		SessionID: sess.id,
		From:      &signer,
		Candidate: &cand,
	})
	return nil
}

// HandleHangup ends the live session with To from either party.
func (r *Relay) HandleHangup(signer address.Address, body envelope.Hangup) error {
	sess, ok := r.SessionFor(signer, body.To)
	if !ok {
		return ErrNoSuchSession
	}
	if _, party := sess.peer(signer); !party {
		return ErrNoSuchSession
	}
	if sess.end() {
		r.finish(sess, EndReasonHangup)
	}
	return nil
}

// HandlePeerMuteState forwards a mute/video toggle to the session peer.
func (r *Relay) HandlePeerMuteState(signer address.Address, body envelope.MuteState) error {
	if body.To == nil {
		return fmt.Errorf("%w: mute-state missing to", envelope.ErrInvalidPayload)
	}
	sess, ok := r.SessionFor(signer, *body.To)
	if !ok {
		return ErrNoSuchSession
	}
	peer, party := sess.peer(signer)
	if !party {
		return ErrNoSuchSession
	}

	sess.touch(r.clock.Now())
	muted, videoOff := body.Muted, body.VideoOff
	r.notify(peer, envelope.ServerMessage{
		Type:      envelope.ServerMuteState,
		SessionID: sess.id,
		From:      &signer,
		Muted:     &muted,
		VideoOff:  &videoOff,
	})
	return nil
}

// OnAddressOffline reacts to the last binding of addr closing: every
// session involving addr ends with transport-lost and addr's queued calls
// are withdrawn.
func (r *Relay) OnAddressOffline(addr address.Address) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byAddr[addr]))
	for s := range r.byAddr[addr] {
		sessions = append(sessions, s)
	}
	var withdrawn []pendingCall
	for key, p := range r.pending {
		if p.caller == addr {
			withdrawn = append(withdrawn, p)
			delete(r.pending, key)
		}
	}
	r.mu.Unlock()

	for _, p := range withdrawn {
		r.queue.Remove(p.caller, p.offer.Callee)
	}
	for _, s := range sessions {
		if s.end() {
			r.finish(s, EndReasonTransportLost)
		}
	}
}

// ServeQueue rings the highest-priority waiting caller for callee, if
// callee is free and online. Called after terminal transitions and when a
// callee (re)connects.
func (r *Relay) ServeQueue(callee address.Address) {
	for {
		r.mu.Lock()
		if len(r.byAddr[callee]) > 0 {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		if len(r.registry.Lookup(callee)) == 0 {
			return
		}

		entry, ok := r.queue.DequeueNext(callee)
		if !ok {
			return
		}

		now := r.clock.Now()
		key := address.PairKey(entry.Caller, callee)

		r.mu.Lock()
		if len(r.byAddr[callee]) > 0 {
			// Another ring for this callee won the race between the
			// busy check and the dequeue; put the entry back with its
			// original slot. Whoever ends that session serves the
			// line again.
			r.mu.Unlock()
			r.queue.Restore(entry)
			return
		}
		p, havePending := r.pending[key]
		delete(r.pending, key)
		if !havePending {
			r.mu.Unlock()
			continue
		}
		if len(r.registry.Lookup(entry.Caller)) == 0 {
			// Caller vanished while waiting; try the next entry.
			r.mu.Unlock()
			continue
		}
		sess := r.createSessionLocked(entry.Caller, callee, p.offer.Call, now)
		r.mu.Unlock()

		r.startRinging(sess, p.offer, p.freeFirstCall)
		return
	}
}

func (r *Relay) createSessionLocked(caller, callee address.Address, kind envelope.CallKind, now time.Time) *Session {
	sess := &Session{
		id:           uuid.NewString(),
		caller:       caller,
		callee:       callee,
		kind:         kind,
		createdAt:    now,
		state:        StateRinging,
		lastActivity: now,
	}
	r.byPair[address.PairKey(caller, callee)] = sess
	for _, a := range []address.Address{caller, callee} {
		set, ok := r.byAddr[a]
		if !ok {
			set = make(map[*Session]struct{})
			r.byAddr[a] = set
		}
		set[sess] = struct{}{}
	}
	return sess
}

func (r *Relay) startRinging(sess *Session, offer envelope.Offer, freeFirstCall bool) {
	if freeFirstCall {
		r.policy.MarkFirstCallUsed(sess.caller, sess.callee)
	}

	r.metrics.Inc(metrics.SessionsStarted)
	r.events.SessionStarted(SessionStarted{
		SessionID: sess.id,
		Caller:    sess.caller,
		Callee:    sess.callee,
		Kind:      sess.kind,
		At:        sess.createdAt,
	})

	sdp := offer.SDP
	delivered := r.notify(sess.callee, envelope.ServerMessage{
		Type:      envelope.ServerIncomingCall,
		SessionID: sess.id,
		From:      &sess.caller,
		Call:      sess.kind,
		SDP:       &sdp,
	})
	if delivered == 0 {
		// The callee's bindings vanished between admission and delivery.
		// Fatal to this session only; nothing else is touched.
		r.log.Warn("invitation undeliverable, force-ending session",
			"session_id", sess.id, "callee", sess.callee.String())
		if sess.end() {
			r.finish(sess, EndReasonTransportLost)
		}
		return
	}

	sess.mu.Lock()
	if sess.state == StateRinging {
		sess.ringTimer = time.AfterFunc(r.ringTimeout, func() { r.onRingTimeout(sess) })
	}
	sess.mu.Unlock()

	r.scheduleIdleCheck(sess, r.idleTimeout)
}

func (r *Relay) onRingTimeout(sess *Session) {
	if sess.endIf(StateRinging) {
		r.metrics.Inc(metrics.SessionsMissed)
		r.finish(sess, EndReasonMissed)
	}
}

func (r *Relay) scheduleIdleCheck(sess *Session, wait time.Duration) {
	if r.idleTimeout <= 0 {
		return
	}
	sess.mu.Lock()
	if sess.state != StateEnded {
		sess.idleTimer = time.AfterFunc(wait, func() { r.onIdleCheck(sess) })
	}
	sess.mu.Unlock()
}

func (r *Relay) onIdleCheck(sess *Session) {
	if sess.State() == StateEnded {
		return
	}
	idle := r.clock.Now().Sub(sess.lastActivityAt())
	if idle >= r.idleTimeout {
		if sess.end() {
			r.finish(sess, EndReasonIdleTimeout)
		}
		return
	}
	r.scheduleIdleCheck(sess, r.idleTimeout-idle)
}

// finish runs the terminal bookkeeping for a session whose state is
// already StateEnded: table removal, event emission, peer notification,
// and queue service for both now-free parties.
func (r *Relay) finish(sess *Session, reason EndReason) {
	now := r.clock.Now()

	r.mu.Lock()
	delete(r.byPair, address.PairKey(sess.caller, sess.callee))
	for _, a := range []address.Address{sess.caller, sess.callee} {
		if set, ok := r.byAddr[a]; ok {
			delete(set, sess)
			if len(set) == 0 {
				delete(r.byAddr, a)
			}
		}
	}
	r.mu.Unlock()

	r.metrics.Inc(metrics.SessionsEnded)
	r.events.SessionEnded(SessionEnded{
		SessionID: sess.id,
		EndedAt:   now,
		Duration:  now.Sub(sess.createdAt),
		Reason:    reason,
	})

	msg := envelope.ServerMessage{
		Type:      envelope.ServerSessionEnded,
		SessionID: sess.id,
		Reason:    string(reason),
	}
	r.notify(sess.caller, msg)
	r.notify(sess.callee, msg)

	r.log.Info("session ended",
		"session_id", sess.id,
		"reason", string(reason),
		"duration_ms", now.Sub(sess.createdAt).Milliseconds(),
	)

	r.ServeQueue(sess.caller)
	r.ServeQueue(sess.callee)
}

func (r *Relay) onQueueExpired(e queue.Entry) {
	r.mu.Lock()
	delete(r.pending, address.PairKey(e.Caller, e.Callee))
	r.mu.Unlock()

	r.metrics.Inc(metrics.QueueExpired)
	r.notify(e.Caller, envelope.ServerMessage{
		Type:   envelope.ServerQueueExpired,
		From:   &e.Callee,
		Reason: queue.ErrQueueExpired.Error(),
	})
}

// notify fans a server message out to every binding of addr and reports the
// delivery count.
func (r *Relay) notify(addr address.Address, msg envelope.ServerMessage) int {
	data, err := envelope.EncodeServer(msg)
	if err != nil {
		r.log.Error("encode server message", "err", err)
		return 0
	}
	return r.registry.SendTo(addr, data)
}
