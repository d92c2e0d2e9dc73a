package relay

import "errors"

var (
	// ErrSessionAlreadyActive is returned when an offer arrives for an
	// unordered address pair that already has a live session. The first
	// session is never silently superseded.
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrNoSuchSession is returned when a message references a pair with no
	// live session, or the signer is not a party to it.
	ErrNoSuchSession = errors.New("no such session")

	// ErrNotRinging is returned for an answer or reject against a session
	// that is not in the ringing state.
	ErrNotRinging = errors.New("session not ringing")
)
