// Package policy decides whether a verified call offer may ring its callee,
// must wait in the queue, or is refused outright.
//
// Entitlement facts (payment flags, whitelists, "payment satisfied") are
// produced by an external collaborator and consumed here through the
// Provider interface; this package never verifies payments itself.
package policy

import (
	"errors"
	"sync"

	"github.com/callvault/signalcore/internal/address"
)

// ErrPaymentRequired is returned when a callee requires payment and the
// entitlement collaborator has not confirmed one for this caller.
var ErrPaymentRequired = errors.New("payment required")

// Priority orders queue entries. Higher ranks first.
type Priority int

const (
	PriorityFree Priority = iota
	PriorityPaid
)

// CalleePolicy is the per-callee admission configuration.
type CalleePolicy struct {
	// RequiresPayment refuses unpaid callers (subject to the free-first-call
	// allowance) instead of ringing them through.
	RequiresPayment bool

	// FreeFirstCallAllowed lets an unpaid caller through once.
	FreeFirstCallAllowed bool

	// ApprovedCallersOnly queues everyone not on the whitelist instead of
	// ringing immediately.
	ApprovedCallersOnly bool

	// Whitelist holds approved caller addresses. Whitelisted callers ring
	// immediately and rank above free callers when queued.
	Whitelist map[address.Address]struct{}
}

// Whitelisted reports whether caller is on the approved list.
func (p CalleePolicy) Whitelisted(caller address.Address) bool {
	_, ok := p.Whitelist[caller]
	return ok
}

// Provider supplies entitlement facts for admission decisions.
type Provider interface {
	// CalleePolicy returns callee's admission configuration. The zero
	// policy (everything off) means "ring freely".
	CalleePolicy(callee address.Address) CalleePolicy

	// PaymentSatisfied reports the out-of-process payment confirmation fact
	// for (caller, callee).
	PaymentSatisfied(caller, callee address.Address) bool

	// FirstCallUsed reports whether caller has already consumed the free
	// first call toward callee.
	FirstCallUsed(caller, callee address.Address) bool

	// MarkFirstCallUsed records consumption of the free first call.
	MarkFirstCallUsed(caller, callee address.Address)
}

// Outcome says what happens to an admitted offer.
type Outcome int

const (
	// OutcomeRing delivers the invitation immediately (callee availability
	// permitting).
	OutcomeRing Outcome = iota
	// OutcomeQueue parks the offer in the callee's waiting line.
	OutcomeQueue
)

// Decision is the result of gating one offer.
type Decision struct {
	Outcome  Outcome
	Priority Priority
	// FreeFirstCall marks that this admission consumes the caller's free
	// first call; the relay confirms consumption once the session rings.
	FreeFirstCall bool
}

// Decide gates an offer from caller to callee. It returns ErrPaymentRequired
// when the offer may not proceed at all.
func Decide(p Provider, caller, callee address.Address) (Decision, error) {
	cp := p.CalleePolicy(callee)

	if cp.Whitelisted(caller) {
		return Decision{Outcome: OutcomeRing, Priority: PriorityPaid}, nil
	}

	paid := p.PaymentSatisfied(caller, callee)
	prio := PriorityFree
	if paid {
		prio = PriorityPaid
	}

	freeFirst := false
	if cp.RequiresPayment && !paid {
		if !cp.FreeFirstCallAllowed || p.FirstCallUsed(caller, callee) {
			return Decision{}, ErrPaymentRequired
		}
		freeFirst = true
	}

	if cp.ApprovedCallersOnly {
		return Decision{Outcome: OutcomeQueue, Priority: prio, FreeFirstCall: freeFirst}, nil
	}
	return Decision{Outcome: OutcomeRing, Priority: prio, FreeFirstCall: freeFirst}, nil
}

// StaticProvider is an in-memory Provider for tests and single-node dev
// deployments. Production wires the entitlement collaborator instead.
type StaticProvider struct {
	mu         sync.Mutex
	policies   map[address.Address]CalleePolicy
	payments   map[string]bool
	firstCalls map[string]bool
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		policies:   make(map[address.Address]CalleePolicy),
		payments:   make(map[string]bool),
		firstCalls: make(map[string]bool),
	}
}

func pairKey(caller, callee address.Address) string {
	return caller.String() + ">" + callee.String()
}

// SetCalleePolicy replaces callee's policy.
func (s *StaticProvider) SetCalleePolicy(callee address.Address, p CalleePolicy) {
	s.mu.Lock()
	s.policies[callee] = p
	s.mu.Unlock()
}

// SetPaymentSatisfied records the payment fact for (caller, callee).
func (s *StaticProvider) SetPaymentSatisfied(caller, callee address.Address, ok bool) {
	s.mu.Lock()
	s.payments[pairKey(caller, callee)] = ok
	s.mu.Unlock()
}

func (s *StaticProvider) CalleePolicy(callee address.Address) CalleePolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policies[callee]
}

func (s *StaticProvider) PaymentSatisfied(caller, callee address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payments[pairKey(caller, callee)]
}

func (s *StaticProvider) FirstCallUsed(caller, callee address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstCalls[pairKey(caller, callee)]
}

func (s *StaticProvider) MarkFirstCallUsed(caller, callee address.Address) {
	s.mu.Lock()
	s.firstCalls[pairKey(caller, callee)] = true
	s.mu.Unlock()
}
