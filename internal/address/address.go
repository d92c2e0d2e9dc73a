// Package address implements the call address codec.
//
// An address is `call:<base58(ed25519 pubkey)>:<base58(8 random bytes)>`.
// The public-key segment is the verifiable identity; the listing segment is
// a disposable suffix so one key can mint multiple unlinkable addresses.
package address

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	prefix = "call"

	// KeyLen is the exact decoded length of the public-key segment.
	KeyLen = ed25519.PublicKeySize // 32

	// ListingLen is the exact decoded length of the listing segment.
	ListingLen = 8
)

// ErrMalformedAddress is returned for any address that does not decode to
// exactly a 32-byte key and an 8-byte listing ID under the `call:` prefix.
// Malformed inputs are rejected outright, never truncated or repaired.
var ErrMalformedAddress = errors.New("malformed address")

// Address is an immutable, comparable call address. The zero value is not a
// valid address; construct via Derive or Parse.
type Address struct {
	key     [KeyLen]byte
	listing [ListingLen]byte
}

// Derive mints a fresh address for pub with a random listing suffix.
func Derive(pub ed25519.PublicKey) (Address, error) {
	if len(pub) != KeyLen {
		return Address{}, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrMalformedAddress, KeyLen, len(pub))
	}
	var a Address
	copy(a.key[:], pub)
	if _, err := rand.Read(a.listing[:]); err != nil {
		return Address{}, fmt.Errorf("generate listing id: %w", err)
	}
	return a, nil
}

// New constructs an address from an explicit key and listing ID. It is used
// when re-materializing an address whose parts are already known (e.g. from
// Parse output or test fixtures).
func New(pub ed25519.PublicKey, listing []byte) (Address, error) {
	if len(pub) != KeyLen {
		return Address{}, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrMalformedAddress, KeyLen, len(pub))
	}
	if len(listing) != ListingLen {
		return Address{}, fmt.Errorf("%w: listing id must be %d bytes, got %d", ErrMalformedAddress, ListingLen, len(listing))
	}
	var a Address
	copy(a.key[:], pub)
	copy(a.listing[:], listing)
	return a, nil
}

// Parse decodes the textual form, failing with ErrMalformedAddress on a bad
// prefix, invalid Base58, or wrong decoded byte lengths.
func Parse(s string) (Address, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedAddress, len(parts))
	}
	if parts[0] != prefix {
		return Address{}, fmt.Errorf("%w: bad prefix %q", ErrMalformedAddress, parts[0])
	}

	key, err := base58.Decode(parts[1])
	if err != nil {
		return Address{}, fmt.Errorf("%w: key segment: %v", ErrMalformedAddress, err)
	}
	if len(key) != KeyLen {
		return Address{}, fmt.Errorf("%w: key segment decodes to %d bytes, want %d", ErrMalformedAddress, len(key), KeyLen)
	}

	listing, err := base58.Decode(parts[2])
	if err != nil {
		return Address{}, fmt.Errorf("%w: listing segment: %v", ErrMalformedAddress, err)
	}
	if len(listing) != ListingLen {
		return Address{}, fmt.Errorf("%w: listing segment decodes to %d bytes, want %d", ErrMalformedAddress, len(listing), ListingLen)
	}

	return New(key, listing)
}

// PublicKey returns the 32-byte Ed25519 verification key.
func (a Address) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(a.key[:])
}

// ListingID returns the 8-byte listing suffix.
func (a Address) ListingID() []byte {
	out := make([]byte, ListingLen)
	copy(out, a.listing[:])
	return out
}

// IsZero reports whether a is the zero (invalid) address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String renders the canonical textual form.
func (a Address) String() string {
	return prefix + ":" + base58.Encode(a.key[:]) + ":" + base58.Encode(a.listing[:])
}

// MarshalText implements encoding.TextMarshaler so addresses serialize as
// their canonical string in JSON and CBOR.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// PairKey returns a stable key identifying the unordered {a, b} pair. Both
// orders of the same two addresses yield the same key.
func PairKey(a, b Address) string {
	as, bs := a.String(), b.String()
	if bs < as {
		as, bs = bs, as
	}
	return as + "|" + bs
}
