package signaling

import (
	"errors"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/envelope"
	"github.com/callvault/signalcore/internal/policy"
	"github.com/callvault/signalcore/internal/queue"
	"github.com/callvault/signalcore/internal/ratelimit"
	"github.com/callvault/signalcore/internal/relay"
	"github.com/callvault/signalcore/internal/replay"
	"github.com/callvault/signalcore/internal/room"
	"github.com/callvault/signalcore/internal/verify"
)

var errAlreadyRegistered = errors.New("connection already registered")

// errorCode maps a dispatch failure to the stable machine-readable code
// carried on error messages. Unrecognized failures map to "internal".
func errorCode(err error) string {
	switch {
	case errors.Is(err, errAlreadyRegistered):
		return "already-registered"

	case errors.Is(err, address.ErrMalformedAddress):
		return "malformed-address"
	case errors.Is(err, envelope.ErrUnknownKind):
		return "unknown-kind"
	case errors.Is(err, envelope.ErrInvalidPayload):
		return "invalid-payload"

	case errors.Is(err, verify.ErrInvalidSignature):
		return "invalid-signature"
	case errors.Is(err, verify.ErrStaleTimestamp):
		return "stale-timestamp"
	case errors.Is(err, replay.ErrReplayedNonce):
		return "nonce-replayed"
	case errors.Is(err, ratelimit.ErrThrottled):
		return "throttled"

	case errors.Is(err, policy.ErrPaymentRequired):
		return "payment-required"
	case errors.Is(err, queue.ErrQueueExpired):
		return "queue-expired"

	case errors.Is(err, relay.ErrSessionAlreadyActive):
		return "session-active"
	case errors.Is(err, relay.ErrNoSuchSession):
		return "no-session"
	case errors.Is(err, relay.ErrNotRinging):
		return "not-ringing"

	case errors.Is(err, room.ErrNoSuchRoom):
		return "no-room"
	case errors.Is(err, room.ErrRoomLocked):
		return "room-locked"
	case errors.Is(err, room.ErrNotHost):
		return "not-host"
	case errors.Is(err, room.ErrNotMember):
		return "not-member"
	case errors.Is(err, room.ErrAlreadyMember):
		return "already-member"

	default:
		return "internal"
	}
}
