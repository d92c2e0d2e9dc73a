package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/callvault/signalcore/internal/address"
	"github.com/callvault/signalcore/internal/envelope"
	"github.com/callvault/signalcore/internal/replay"
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

func testIdentity(t *testing.T) (address.Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a, err := address.Derive(pub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return a, priv
}

func newTestVerifier(t *testing.T, clk replay.Clock) *Verifier {
	t.Helper()
	guard := replay.NewGuard(replay.Config{Clock: clk})
	t.Cleanup(guard.Close)
	v, err := New(Config{Guard: guard})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestVerify_ValidEnvelope(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	v := newTestVerifier(t, clk)
	signer, priv := testIdentity(t)

	env, err := envelope.Sign(priv, signer, envelope.Ping{}, clk.Now(), "n1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := v.Verify(env, clk.Now()); err != nil {
		t.Fatalf("Verify = %v, want nil", err)
	}
}

func TestVerify_ReplayedEnvelope(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	v := newTestVerifier(t, clk)
	signer, priv := testIdentity(t)

	env, err := envelope.Sign(priv, signer, envelope.Ping{}, clk.Now(), "n1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := v.Verify(env, clk.Now()); err != nil {
		t.Fatalf("first Verify = %v, want nil", err)
	}
	if err := v.Verify(env, clk.Now()); !errors.Is(err, replay.ErrReplayedNonce) {
		t.Fatalf("second Verify = %v, want ErrReplayedNonce", err)
	}
}

func TestVerify_FreshnessWindow(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	signer, priv := testIdentity(t)

	cases := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"exactly now", 0, true},
		{"59s old", -59 * time.Second, true},
		{"60s old boundary", -DefaultFreshnessWindow, true},
		{"61s old", -DefaultFreshnessWindow - time.Second, false},
		{"59s in the future", 59 * time.Second, true},
		{"61s in the future", DefaultFreshnessWindow + time.Second, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestVerifier(t, clk)
			env, err := envelope.Sign(priv, signer, envelope.Ping{}, clk.Now().Add(tc.offset), "n-"+tc.name)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			err = v.Verify(env, clk.Now())
			if tc.ok && err != nil {
				t.Fatalf("Verify = %v, want nil", err)
			}
			if !tc.ok && !errors.Is(err, ErrStaleTimestamp) {
				t.Fatalf("Verify = %v, want ErrStaleTimestamp", err)
			}
		})
	}
}

func TestVerify_NotBeforeCooldown(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	signer, priv := testIdentity(t)

	guard := replay.NewGuard(replay.Config{Clock: clk})
	t.Cleanup(guard.Close)
	v, err := New(Config{Guard: guard, NotBefore: clk.Now()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Signed 30s before this process's NotBefore: inside the freshness
	// window, but its nonce may already have been spent against a previous
	// incarnation whose replay state is gone.
	old, err := envelope.Sign(priv, signer, envelope.Ping{}, clk.Now().Add(-30*time.Second), "n-old")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := v.Verify(old, clk.Now()); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("Verify pre-start envelope = %v, want ErrStaleTimestamp", err)
	}
	if err := v.VerifyWithoutNonce(old, clk.Now()); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("VerifyWithoutNonce pre-start envelope = %v, want ErrStaleTimestamp", err)
	}

	fresh, err := envelope.Sign(priv, signer, envelope.Ping{}, clk.Now(), "n-fresh")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := v.Verify(fresh, clk.Now()); err != nil {
		t.Fatalf("Verify at-start envelope = %v, want nil", err)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	v := newTestVerifier(t, clk)
	signer, priv := testIdentity(t)
	peer, _ := testIdentity(t)

	env, err := envelope.Sign(priv, signer, envelope.Hangup{To: peer}, clk.Now(), "n1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Re-point the hangup at a different peer without re-signing.
	other, _ := testIdentity(t)
	env.Payload.Body = envelope.Hangup{To: other}

	if err := v.Verify(env, clk.Now()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Verify tampered = %v, want ErrInvalidSignature", err)
	}
}

func TestVerify_WrongSignerKey(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	v := newTestVerifier(t, clk)

	_, privA := testIdentity(t)
	signerB, _ := testIdentity(t)

	// Signed with A's key but claiming B's address: the key segment of the
	// claimed signer cannot verify the signature.
	env, err := envelope.Sign(privA, signerB, envelope.Ping{}, clk.Now(), "n1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := v.Verify(env, clk.Now()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Verify = %v, want ErrInvalidSignature", err)
	}
}

func TestVerify_FailedSignatureDoesNotSpendNonce(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	v := newTestVerifier(t, clk)
	signer, priv := testIdentity(t)

	env, err := envelope.Sign(priv, signer, envelope.Ping{}, clk.Now(), "n1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	bad := *env
	bad.Signature = append([]byte{}, env.Signature...)
	bad.Signature[0] ^= 0xFF

	if err := v.Verify(&bad, clk.Now()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered Verify = %v, want ErrInvalidSignature", err)
	}

	// The genuine envelope with the same nonce must still be accepted.
	if err := v.Verify(env, clk.Now()); err != nil {
		t.Fatalf("genuine Verify after failed attempt = %v, want nil", err)
	}
}

func TestVerifyWithoutNonce_ThenConsume(t *testing.T) {
	clk := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	v := newTestVerifier(t, clk)
	signer, priv := testIdentity(t)

	env, err := envelope.Sign(priv, signer, envelope.Ping{}, clk.Now(), "n1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Signature-only verification may run any number of times (e.g. a
	// throttled offer retried with the same nonce).
	for i := 0; i < 3; i++ {
		if err := v.VerifyWithoutNonce(env, clk.Now()); err != nil {
			t.Fatalf("VerifyWithoutNonce #%d = %v", i, err)
		}
	}

	if err := v.ConsumeNonce(env, clk.Now()); err != nil {
		t.Fatalf("ConsumeNonce = %v, want nil", err)
	}
	if err := v.ConsumeNonce(env, clk.Now()); !errors.Is(err, replay.ErrReplayedNonce) {
		t.Fatalf("second ConsumeNonce = %v, want ErrReplayedNonce", err)
	}
}
