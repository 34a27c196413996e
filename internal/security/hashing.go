package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// connectTokenBytes is the entropy of a plaintext connect token (256 bits).
const connectTokenBytes = 32

// ErrEmptySecret is returned when a TokenHasher is built without a key.
var ErrEmptySecret = errors.New("token hash secret is empty")

// TokenHasher issues connect tokens and derives their stored digest with HMAC-SHA256.
// Only the digest is persisted; without the secret it reveals nothing about the plaintext.
type TokenHasher struct {
	secret []byte
}

// NewTokenHasher returns a TokenHasher keyed with secret.
func NewTokenHasher(secret string) (*TokenHasher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &TokenHasher{secret: []byte(secret)}, nil
}

// Generate returns a new random plaintext token and its hex digest.
// The plaintext is URL-safe base64 without padding.
func (h *TokenHasher) Generate() (plaintext, hash string, err error) {
	b := make([]byte, connectTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	plaintext = base64.RawURLEncoding.EncodeToString(b)
	return plaintext, h.Hash(plaintext), nil
}

// Hash returns the hex-encoded HMAC-SHA256 of plaintext.
func (h *TokenHasher) Hash(plaintext string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// SecretEqual compares two shared secrets in constant time. Empty values never match.
func SecretEqual(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
