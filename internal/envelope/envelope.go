// Package envelope defines the signed wire envelope used for every inbound
// signaling message, the closed set of payload variants it can carry, and
// the canonical serialization the Ed25519 signature covers.
//
// The websocket framing is JSON; the signature input is the deterministic
// CBOR encoding of (payload, timestampMs, nonce), so the same logical
// message always verifies regardless of JSON field ordering or whitespace.
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/callvault/signalcore/internal/address"
)

// Envelope is a signed wrapper around one signaling payload. It lives only
// for the duration of the request pipeline and is never persisted beyond
// the replay window.
type Envelope struct {
	Payload     Payload         `json:"payload"`
	Signer      address.Address `json:"signer"`
	TimestampMs int64           `json:"timestampMs"`
	Nonce       string          `json:"nonce"`
	Signature   []byte          `json:"signature"`
}

// signingRecord is the exact structure covered by the signature. The signer
// address is deliberately excluded: the address is authenticated by checking
// that its key segment verifies the signature, not by signing itself.
type signingRecord struct {
	Kind        Kind   `json:"kind"`
	Body        Body   `json:"body"`
	TimestampMs int64  `json:"timestampMs"`
	Nonce       string `json:"nonce"`
}

// SigningBytes returns the canonical CBOR bytes the signature must cover.
func (e *Envelope) SigningBytes() ([]byte, error) {
	if e.Payload.Body == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	return marshalCanonical(signingRecord{
		Kind:        e.Payload.Kind(),
		Body:        e.Payload.Body,
		TimestampMs: e.TimestampMs,
		Nonce:       e.Nonce,
	})
}

// Sign builds a signed envelope for body on behalf of signer. Used by test
// harnesses and client tooling; the server side only verifies.
func Sign(priv ed25519.PrivateKey, signer address.Address, body Body, at time.Time, nonce string) (*Envelope, error) {
	if err := body.validate(); err != nil {
		return nil, err
	}
	env := &Envelope{
		Payload:     Payload{Body: body},
		Signer:      signer,
		TimestampMs: at.UnixMilli(),
		Nonce:       nonce,
	}
	msg, err := env.SigningBytes()
	if err != nil {
		return nil, err
	}
	env.Signature = ed25519.Sign(priv, msg)
	return env, nil
}

// Parse decodes a wire envelope, rejecting unknown fields, unknown payload
// kinds, and trailing data.
func Parse(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		if errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrInvalidPayload) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	if env.Payload.Body == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if len(env.Signature) == 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidPayload)
	}
	if env.Nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", ErrInvalidPayload)
	}
	return &env, nil
}

// Encode renders the wire JSON form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// SignatureBase64 is a convenience for logging a short signature prefix.
func (e *Envelope) SignatureBase64() string {
	return base64.StdEncoding.EncodeToString(e.Signature)
}
