package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/envelope"
	"github.com/callvault/signalcore/internal/metrics"
	"github.com/callvault/signalcore/internal/policy"
	"github.com/callvault/signalcore/internal/ratelimit"
	"github.com/callvault/signalcore/internal/registry"
	"github.com/callvault/signalcore/internal/replay"
	"github.com/callvault/signalcore/internal/verify"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureSender struct {
	mu    sync.Mutex
	sent  [][]byte
	wrote chan struct{}
}

func newCaptureSender() *captureSender {
	return &captureSender{wrote: make(chan struct{}, 256)}
}

func (s *captureSender) Send(data []byte) error {
	s.mu.Lock()
	s.sent = append(s.sent, data)
	s.mu.Unlock()
	select {
	case s.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (s *captureSender) Close() error { return nil }

func (s *captureSender) received(t *testing.T) []envelope.ServerMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]envelope.ServerMessage, 0, len(s.sent))
	for _, raw := range s.sent {
		var msg envelope.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode server message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// waitForType blocks until a message of the given type arrives, returning it.
func (s *captureSender) waitForType(t *testing.T, want envelope.ServerType) envelope.ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, msg := range s.received(t) {
			if msg.Type == want {
				return msg
			}
		}
		select {
		case <-s.wrote:
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %+v", want, s.received(t))
		}
	}
}

func (s *captureSender) hasType(t *testing.T, want envelope.ServerType) bool {
	t.Helper()
	for _, msg := range s.received(t) {
		if msg.Type == want {
			return true
		}
	}
	return false
}

type peer struct {
	addr    address.Address
	priv    ed25519.PrivateKey
	sender  *captureSender
	binding *registry.Binding
}

type harness struct {
	clock    *fakeClock
	guard    *replay.Guard
	registry *registry.Registry
	policy   *policy.StaticProvider
	relay    *Relay

	nonce int
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	guard := replay.NewGuard(replay.Config{Clock: clk})
	t.Cleanup(guard.Close)

	v, err := verify.New(verify.Config{Guard: guard})
	if err != nil {
		t.Fatalf("verify.New: %v", err)
	}
	limiter := ratelimit.NewCallLimiter(ratelimit.CallLimiterConfig{Clock: clk})
	t.Cleanup(limiter.Close)

	reg := registry.New(registry.Config{Now: clk.Now})
	prov := policy.NewStaticProvider()

	cfg := Config{
		Clock:    clk,
		Verifier: v,
		Limiter:  limiter,
		Registry: reg,
		Policy:   prov,
		Metrics:  metrics.New(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r := New(cfg)
	t.Cleanup(r.Close)

	return &harness{clock: clk, guard: guard, registry: reg, policy: prov, relay: r}
}

func (h *harness) newPeer(t *testing.T) *peer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr, err := address.Derive(pub)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	sender := newCaptureSender()
	return &peer{
		addr:    addr,
		priv:    priv,
		sender:  sender,
		binding: h.registry.Bind(addr, sender),
	}
}

func (h *harness) offer(t *testing.T, from, to *peer) error {
	t.Helper()
	h.nonce++
	env, err := envelope.Sign(from.priv, from.addr, envelope.Offer{
		Callee: to.addr,
		Call:   envelope.CallVideo,
		SDP:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
	}, h.clock.Now(), fmt.Sprintf("nonce-%d", h.nonce))
	if err != nil {
		t.Fatalf("sign offer: %v", err)
	}
	return h.relay.HandleOffer(env)
}

func TestCallRingAnswerHangup(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("offer: %v", err)
	}

	ring := bob.sender.waitForType(t, envelope.ServerIncomingCall)
	if ring.From == nil || *ring.From != alice.addr {
		t.Fatalf("incoming-call from = %v, want %s", ring.From, alice.addr)
	}
	if ring.Call != envelope.CallVideo {
		t.Fatalf("incoming-call kind = %q, want video", ring.Call)
	}
	if ring.SDP == nil || ring.SDP.SDP != "v=0 offer" {
		t.Fatal("offer sdp not relayed verbatim")
	}

	sess, ok := h.relay.SessionFor(alice.addr, bob.addr)
	if !ok || sess.State() != StateRinging {
		t.Fatal("expected ringing session for the pair")
	}

	answer := envelope.Answer{To: alice.addr, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}}
	if err := h.relay.HandleAnswer(bob.addr, answer); err != nil {
		t.Fatalf("answer: %v", err)
	}
	got := alice.sender.waitForType(t, envelope.ServerCallAnswered)
	if got.SDP == nil || got.SDP.SDP != "v=0 answer" {
		t.Fatal("answer sdp not relayed verbatim")
	}
	if sess.State() != StateConnected {
		t.Fatalf("state = %s, want connected", sess.State())
	}

	if err := h.relay.HandleHangup(alice.addr, envelope.Hangup{To: bob.addr}); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	end := bob.sender.waitForType(t, envelope.ServerSessionEnded)
	if end.Reason != string(EndReasonHangup) {
		t.Fatalf("end reason = %q, want hangup", end.Reason)
	}
	alice.sender.waitForType(t, envelope.ServerSessionEnded)
	if _, ok := h.relay.SessionFor(alice.addr, bob.addr); ok {
		t.Fatal("session still in table after hangup")
	}
}

func TestOnePairOneSession(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if err := h.offer(t, alice, bob); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("repeat offer err = %v, want ErrSessionAlreadyActive", err)
	}
	// The reverse direction is the same unordered pair.
	if err := h.offer(t, bob, alice); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Fatalf("reverse offer err = %v, want ErrSessionAlreadyActive", err)
	}
}

func TestBusyCalleeQueuesThenRings(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)
	carol := h.newPeer(t)

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("offer alice->bob: %v", err)
	}
	bob.sender.waitForType(t, envelope.ServerIncomingCall)

	if err := h.offer(t, carol, bob); err != nil {
		t.Fatalf("offer carol->bob: %v", err)
	}
	queued := carol.sender.waitForType(t, envelope.ServerQueued)
	if queued.Position != 1 {
		t.Fatalf("queue position = %d, want 1", queued.Position)
	}
	if _, ok := h.relay.SessionFor(carol.addr, bob.addr); ok {
		t.Fatal("queued call must not be a session")
	}

	if err := h.relay.HandleHangup(alice.addr, envelope.Hangup{To: bob.addr}); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	// Freeing bob serves the queue: carol's stored offer rings.
	deadline := time.After(2 * time.Second)
	for {
		rang := false
		for _, msg := range bob.sender.received(t) {
			if msg.Type == envelope.ServerIncomingCall && msg.From != nil && *msg.From == carol.addr {
				rang = true
			}
		}
		if rang {
			break
		}
		select {
		case <-bob.sender.wrote:
		case <-deadline:
			t.Fatal("carol's queued offer never rang")
		}
	}
	if _, ok := h.relay.SessionFor(carol.addr, bob.addr); !ok {
		t.Fatal("dequeued call should now be a ringing session")
	}
	if _, inQueue := h.relay.QueuePosition(carol.addr, bob.addr); inQueue {
		t.Fatal("served entry still in queue")
	}
}

func TestRejectNotifiesCaller(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("offer: %v", err)
	}
	bob.sender.waitForType(t, envelope.ServerIncomingCall)

	if err := h.relay.HandleReject(bob.addr, envelope.Reject{To: alice.addr}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	alice.sender.waitForType(t, envelope.ServerCallRejected)
	end := alice.sender.waitForType(t, envelope.ServerSessionEnded)
	if end.Reason != string(EndReasonRejected) {
		t.Fatalf("end reason = %q, want rejected", end.Reason)
	}

	// Only the callee may reject.
	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if err := h.relay.HandleReject(alice.addr, envelope.Reject{To: bob.addr}); !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("caller reject err = %v, want ErrNoSuchSession", err)
	}
}

func TestCancelRingingAndQueued(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)
	carol := h.newPeer(t)

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("offer: %v", err)
	}
	bob.sender.waitForType(t, envelope.ServerIncomingCall)

	if err := h.offer(t, carol, bob); err != nil {
		t.Fatalf("offer carol->bob: %v", err)
	}
	carol.sender.waitForType(t, envelope.ServerQueued)

	// Cancelling a queued call withdraws the entry without a session ever
	// existing.
	if err := h.relay.HandleCancel(carol.addr, envelope.Cancel{To: bob.addr}); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if _, ok := h.relay.QueuePosition(carol.addr, bob.addr); ok {
		t.Fatal("cancelled entry still queued")
	}

	// Cancelling a ringing call ends it and tells the callee.
	if err := h.relay.HandleCancel(alice.addr, envelope.Cancel{To: bob.addr}); err != nil {
		t.Fatalf("cancel ringing: %v", err)
	}
	bob.sender.waitForType(t, envelope.ServerCallCancelled)
	if _, ok := h.relay.SessionFor(alice.addr, bob.addr); ok {
		t.Fatal("cancelled session still in table")
	}

	// Cancel is idempotent: nothing to withdraw is a no-op.
	if err := h.relay.HandleCancel(alice.addr, envelope.Cancel{To: bob.addr}); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
}

func TestRingTimeoutEndsMissed(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RingTimeout = 30 * time.Millisecond
	})
	alice := h.newPeer(t)
	bob := h.newPeer(t)

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("offer: %v", err)
	}
	bob.sender.waitForType(t, envelope.ServerIncomingCall)

	end := alice.sender.waitForType(t, envelope.ServerSessionEnded)
	if end.Reason != string(EndReasonMissed) {
		t.Fatalf("end reason = %q, want missed", end.Reason)
	}
	if got := h.relay.Metrics().Get(metrics.SessionsMissed); got != 1 {
		t.Fatalf("missed counter = %d, want 1", got)
	}
}

func TestICECandidateAndMuteForwarding(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)
	eve := h.newPeer(t)

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("offer: %v", err)
	}
	bob.sender.waitForType(t, envelope.ServerIncomingCall)
	if err := h.relay.HandleAnswer(bob.addr, envelope.Answer{
		To:  alice.addr,
		SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	cand := envelope.ICECandidate{To: bob.addr, Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 UDP 1 10.0.0.1 5000 typ host"}}
	if err := h.relay.HandleCandidate(alice.addr, cand); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	got := bob.sender.waitForType(t, envelope.ServerICECandidate)
	if got.Candidate == nil || got.Candidate.Candidate != cand.Candidate.Candidate {
		t.Fatal("candidate not relayed verbatim")
	}

	// A third party is not in the session.
	if err := h.relay.HandleCandidate(eve.addr, envelope.ICECandidate{To: bob.addr, Candidate: cand.Candidate}); !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("outsider candidate err = %v, want ErrNoSuchSession", err)
	}

	mutedTo := alice.addr
	if err := h.relay.HandlePeerMuteState(bob.addr, envelope.MuteState{To: &mutedTo, Muted: true}); err != nil {
		t.Fatalf("mute-state: %v", err)
	}
	mute := alice.sender.waitForType(t, envelope.ServerMuteState)
	if mute.Muted == nil || !*mute.Muted {
		t.Fatal("mute flag not forwarded")
	}
}

func TestOfflineEndsSessionsTransportLost(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("offer: %v", err)
	}
	bob.sender.waitForType(t, envelope.ServerIncomingCall)
	if err := h.relay.HandleAnswer(bob.addr, envelope.Answer{
		To:  alice.addr,
		SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
	}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	h.registry.Unbind(bob.binding)
	h.relay.OnAddressOffline(bob.addr)

	end := alice.sender.waitForType(t, envelope.ServerSessionEnded)
	if end.Reason != string(EndReasonTransportLost) {
		t.Fatalf("end reason = %q, want transport-lost", end.Reason)
	}
}

func TestOfferToOfflineCalleeQueues(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)
	h.registry.Unbind(bob.binding)

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("offer: %v", err)
	}
	queued := alice.sender.waitForType(t, envelope.ServerQueued)
	if queued.Position != 1 {
		t.Fatalf("queue position = %d, want 1", queued.Position)
	}

	// When bob reconnects, serving the queue rings the stored offer.
	bob.sender = newCaptureSender()
	bob.binding = h.registry.Bind(bob.addr, bob.sender)
	h.relay.ServeQueue(bob.addr)

	bob.sender.waitForType(t, envelope.ServerIncomingCall)
	if _, ok := h.relay.SessionFor(alice.addr, bob.addr); !ok {
		t.Fatal("dequeued call should be a ringing session")
	}
}

func TestConcurrentServeQueueRingsAtMostOneCaller(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)
	carol := h.newPeer(t)
	h.registry.Unbind(carol.binding)

	if err := h.offer(t, alice, carol); err != nil {
		t.Fatalf("offer alice: %v", err)
	}
	if err := h.offer(t, bob, carol); err != nil {
		t.Fatalf("offer bob: %v", err)
	}
	alice.sender.waitForType(t, envelope.ServerQueued)
	bob.sender.waitForType(t, envelope.ServerQueued)

	carol.sender = newCaptureSender()
	carol.binding = h.registry.Bind(carol.addr, carol.sender)

	// A finishing session and a fresh registration can both serve carol's
	// line at once; only one waiting caller may ring.
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h.relay.ServeQueue(carol.addr)
		}()
	}
	close(start)
	wg.Wait()

	_, aliceRinging := h.relay.SessionFor(alice.addr, carol.addr)
	_, bobRinging := h.relay.SessionFor(bob.addr, carol.addr)
	if aliceRinging && bobRinging {
		t.Fatal("callee is ringing two queued callers at once")
	}
	if !aliceRinging && !bobRinging {
		t.Fatal("no queued caller rang a free online callee")
	}

	// The losing caller keeps its place in line.
	waiting := bob
	if bobRinging {
		waiting = alice
	}
	if pos, ok := h.relay.QueuePosition(waiting.addr, carol.addr); !ok || pos != 1 {
		t.Fatalf("waiting caller position = %d, %v, want 1, true", pos, ok)
	}
}

func TestPaymentGateRejectsOffer(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)

	h.policy.SetCalleePolicy(bob.addr, policy.CalleePolicy{
		RequiresPayment: true,
	})

	if err := h.offer(t, alice, bob); !errors.Is(err, policy.ErrPaymentRequired) {
		t.Fatalf("gated offer err = %v, want ErrPaymentRequired", err)
	}
	if _, ok := h.relay.SessionFor(alice.addr, bob.addr); ok {
		t.Fatal("gated offer must not create a session")
	}
}

func TestApprovedCallersOnlyQueuesStranger(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)
	bob := h.newPeer(t)

	h.policy.SetCalleePolicy(bob.addr, policy.CalleePolicy{
		ApprovedCallersOnly: true,
	})

	if err := h.offer(t, alice, bob); err != nil {
		t.Fatalf("offer: %v", err)
	}
	alice.sender.waitForType(t, envelope.ServerQueued)
	if bob.sender.hasType(t, envelope.ServerIncomingCall) {
		t.Fatal("stranger must not ring an approved-callers-only callee")
	}
}

func TestSelfCallRejected(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.newPeer(t)

	if err := h.offer(t, alice, alice); !errors.Is(err, envelope.ErrInvalidPayload) {
		t.Fatalf("self offer err = %v, want ErrInvalidPayload", err)
	}
}
