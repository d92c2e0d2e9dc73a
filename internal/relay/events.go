package relay

import (
	"log/slog"
	"time"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/envelope"
)

// SessionStarted is emitted when a session is created (enters Ringing).
type SessionStarted struct {
	SessionID string
	Caller    address.Address
	Callee    address.Address
	Kind      envelope.CallKind
	At        time.Time
}

// SessionEnded is emitted when a session reaches a terminal state.
type SessionEnded struct {
	SessionID string
	EndedAt   time.Time
	Duration  time.Duration
	Reason    EndReason
}

// EventSink receives session lifecycle events for the billing/entitlement
// collaborator. Implementations must not block; the relay calls them
// synchronously outside its locks.
type EventSink interface {
	SessionStarted(SessionStarted)
	SessionEnded(SessionEnded)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) SessionStarted(SessionStarted) {}
func (NopSink) SessionEnded(SessionEnded)     {}

// LogSink records lifecycle events as structured log lines. Downstream
// billing consumes these from the log pipeline until a dedicated export
// exists.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) SessionStarted(ev SessionStarted) {
	s.Log.Info("session started",
		"session_id", ev.SessionID,
		"caller", ev.Caller,
		"callee", ev.Callee,
		"kind", string(ev.Kind),
	)
}

func (s LogSink) SessionEnded(ev SessionEnded) {
	s.Log.Info("session ended",
		"session_id", ev.SessionID,
		"duration", ev.Duration,
		"reason", string(ev.Reason),
	)
}
