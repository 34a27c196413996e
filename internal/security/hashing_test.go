package security

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestNewTokenHasher_EmptySecret(t *testing.T) {
	if _, err := NewTokenHasher(""); err != ErrEmptySecret {
		t.Fatalf("NewTokenHasher(\"\"): err = %v, want ErrEmptySecret", err)
	}
}

func TestTokenHasher_GenerateRoundTrip(t *testing.T) {
	h, err := NewTokenHasher("server-secret")
	if err != nil {
		t.Fatalf("NewTokenHasher: %v", err)
	}
	plain, hash, err := h.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(plain)
	if err != nil {
		t.Fatalf("plaintext is not base64url: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("plaintext entropy = %d bytes, want 32", len(raw))
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}
	if strings.Contains(hash, plain) {
		t.Error("hash must not contain the plaintext")
	}
	if h.Hash(plain) != hash {
		t.Error("Hash(plaintext) must equal the generated hash")
	}
	if h.Hash(plain+"x") == hash {
		t.Error("a different plaintext must hash differently")
	}
}

func TestTokenHasher_KeyedBySecret(t *testing.T) {
	a, _ := NewTokenHasher("secret-a")
	b, _ := NewTokenHasher("secret-b")
	if a.Hash("same-token") == b.Hash("same-token") {
		t.Error("different secrets must yield different digests")
	}
}

func TestTokenHasher_GenerateUnique(t *testing.T) {
	h, _ := NewTokenHasher("server-secret")
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		p, _, err := h.Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seen[p] {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[p] = true
	}
}

func TestSecretEqual(t *testing.T) {
	testCases := []struct {
		name               string
		provided, expected string
		want               bool
	}{
		{"match", "entry-token", "entry-token", true},
		{"mismatch", "entry-token", "entry-tokem", false},
		{"prefix", "entry", "entry-token", false},
		{"empty provided", "", "entry-token", false},
		{"both empty", "", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SecretEqual(tc.provided, tc.expected); got != tc.want {
				t.Errorf("SecretEqual(%q, %q) = %v, want %v", tc.provided, tc.expected, got, tc.want)
			}
		})
	}
}
