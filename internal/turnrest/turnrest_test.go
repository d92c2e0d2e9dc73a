package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"
)

func TestGenerateDeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:    "shared-secret",
		TTLSeconds:      3600,
		UsernamePrefix:  "callvault",
		Now:             func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		SessionIDSource: func() (string, error) { return "unused", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantExpiry := int64(1_700_003_600)
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1700003600:callvault:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(wantUsername))
	wantCred := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if creds.Credential != wantCred {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, wantCred)
	}
}

func TestGenerateRejectsColonSessionID(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     10,
		UsernamePrefix: "callvault",
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatal("expected error for sessionID containing ':'")
	}
	if _, err := g.Generate(""); err == nil {
		t.Fatal("expected error for empty sessionID")
	}
}

func TestGenerateRandomUsesSource(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:    "secret",
		TTLSeconds:      1,
		UsernamePrefix:  "pfx",
		Now:             func() time.Time { return time.Unix(0, 0).UTC() },
		SessionIDSource: func() (string, error) { return "fixed-sid", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if creds.Username != "1:pfx:fixed-sid" {
		t.Fatalf("Username: got %q", creds.Username)
	}

	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  GeneratorConfig
	}{
		{"missing secret", GeneratorConfig{TTLSeconds: 10, UsernamePrefix: "p"}},
		{"zero ttl", GeneratorConfig{SharedSecret: "s", UsernamePrefix: "p"}},
		{"missing prefix", GeneratorConfig{SharedSecret: "s", TTLSeconds: 10}},
		{"colon prefix", GeneratorConfig{SharedSecret: "s", TTLSeconds: 10, UsernamePrefix: "a:b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewGenerator(tc.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
