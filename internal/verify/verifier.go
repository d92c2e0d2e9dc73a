// Package verify authenticates signed envelopes: address shape, key match,
// timestamp freshness, Ed25519 signature, and nonce uniqueness, in that
// order, failing fast on the first violation.
package verify

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/envelope"
	"github.com/callvault/signalcore/internal/replay"
)

var (
	// ErrInvalidSignature is returned when the Ed25519 check over the
	// canonical payload bytes fails.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrStaleTimestamp is returned for envelopes outside the freshness
	// window in either direction (delayed replays and forward-dated clocks
	// are rejected alike).
	ErrStaleTimestamp = errors.New("stale or future timestamp")
)

// DefaultFreshnessWindow is the maximum tolerated |now - timestamp|. One
// minute absorbs ordinary clock skew without requiring synchronized clocks.
const DefaultFreshnessWindow = time.Minute

// Verifier validates envelopes against a replay guard. The guard is
// injected, never ambient; the verifier owns no other state and is safe for
// concurrent use.
type Verifier struct {
	guard     *replay.Guard
	window    time.Duration
	notBefore time.Time
}

// Config controls Verifier construction. Zero values select defaults.
type Config struct {
	Guard           *replay.Guard
	FreshnessWindow time.Duration

	// NotBefore rejects envelopes timestamped earlier than this instant.
	// Nonce state is in-memory, so after a restart an envelope signed
	// before process start is indistinguishable from a replay within the
	// freshness window; setting NotBefore to the start time closes that
	// gap. Zero disables the check.
	NotBefore time.Time
}

func New(cfg Config) (*Verifier, error) {
	if cfg.Guard == nil {
		return nil, errors.New("verify: replay guard is required")
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	return &Verifier{guard: cfg.Guard, window: cfg.FreshnessWindow, notBefore: cfg.NotBefore}, nil
}

// Verify authenticates env at time now.
//
// The nonce is recorded only after the signature and timestamp checks pass,
// so a request that later fails a downstream check with the same nonce has
// not "spent" it here twice. Recording happens exactly once per accepted
// envelope.
func (v *Verifier) Verify(env *envelope.Envelope, now time.Time) error {
	if err := v.VerifyWithoutNonce(env, now); err != nil {
		return err
	}
	return v.guard.CheckAndRecord(env.Signer, env.Nonce, now)
}

// VerifyWithoutNonce runs every check except nonce recording. The relay uses
// it for offers so the rate limiter can run between signature validation and
// nonce consumption: a throttled offer must remain retryable with the same
// nonce.
func (v *Verifier) VerifyWithoutNonce(env *envelope.Envelope, now time.Time) error {
	if env.Signer.IsZero() {
		return fmt.Errorf("%w: empty signer", address.ErrMalformedAddress)
	}
	// The signer address arrived via Parse/UnmarshalText, so its shape is
	// already valid; re-derive the key segment explicitly so a hand-built
	// envelope with a mismatched key cannot slip through.
	pub := env.Signer.PublicKey()
	if len(pub) != ed25519.PublicKeySize || bytes.Equal(pub, make([]byte, ed25519.PublicKeySize)) {
		return fmt.Errorf("%w: signer key segment", address.ErrMalformedAddress)
	}

	ts := time.UnixMilli(env.TimestampMs)
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return fmt.Errorf("%w: |now-ts| = %s", ErrStaleTimestamp, skew)
	}
	if !v.notBefore.IsZero() && ts.Before(v.notBefore) {
		return fmt.Errorf("%w: before process start", ErrStaleTimestamp)
	}

	msg, err := env.SigningBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, env.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// ConsumeNonce records the envelope's nonce after a successful
// VerifyWithoutNonce and any downstream admission checks.
func (v *Verifier) ConsumeNonce(env *envelope.Envelope, now time.Time) error {
	return v.guard.CheckAndRecord(env.Signer, env.Nonce, now)
}
