package relay

import (
	"sync"
	"time"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/envelope"
)

// State is a session's lifecycle position. Sessions are created directly in
// StateRinging (a queued call is a queue entry, not a session) and are
// removed from the table on any terminal transition.
type State int

const (
	StateRinging State = iota
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason says why a session reached StateEnded.
type EndReason string

const (
	EndReasonHangup        EndReason = "hangup"
	EndReasonRejected      EndReason = "rejected"
	EndReasonMissed        EndReason = "missed"
	EndReasonCancelled     EndReason = "cancelled"
	EndReasonTransportLost EndReason = "transport-lost"
	EndReasonIdleTimeout   EndReason = "idle-timeout"
	EndReasonInternal      EndReason = "internal"
)

// Session is one live call negotiation between two addresses. All fields
// except the mutable state block are immutable after creation; the Relay is
// the session's only owner.
type Session struct {
	id     string
	caller address.Address
	callee address.Address
	kind   envelope.CallKind

	createdAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time

	ringTimer *time.Timer
	idleTimer *time.Timer
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Caller() address.Address { return s.caller }
func (s *Session) Callee() address.Address { return s.callee }
func (s *Session) Kind() envelope.CallKind { return s.kind }
func (s *Session) CreatedAt() time.Time    { return s.createdAt }

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// peer returns the counterpart of addr, and whether addr belongs to the
// session at all.
func (s *Session) peer(addr address.Address) (address.Address, bool) {
	switch addr {
	case s.caller:
		return s.callee, true
	case s.callee:
		return s.caller, true
	default:
		return address.Address{}, false
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) lastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// transition moves the session to next and reports whether the move was
// taken from an allowed prior state.
func (s *Session) transition(from, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = next
	return true
}

// endIf ends the session only when it is currently in from.
func (s *Session) endIf(from State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = StateEnded
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	return true
}

// end moves the session to StateEnded from any state and reports whether
// this call performed the move (idempotence guard).
func (s *Session) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false
	}
	s.state = StateEnded
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	return true
}
