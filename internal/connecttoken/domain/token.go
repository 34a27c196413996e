package domain

import (
	"errors"
	"time"
)

// Error codes surfaced to callers. The string value is the machine-readable code returned over HTTP.
var (
	ErrIdentifiersRequired = errors.New("identifiers_required")
	ErrTokenAlreadyActive  = errors.New("token_already_active")
	ErrRateLimited         = errors.New("connect_rate_limited")
	ErrCooldown            = errors.New("connect_cooldown")
	ErrInvalidIP           = errors.New("invalid_ip")
	// ErrNotFound is returned by Consume for every non-match: unknown, expired, used or mismatched tokens look the same.
	ErrNotFound = errors.New("not_authorized")
)

// Identifiers is the set of game identifiers a token is bound to. Nil means absent.
type Identifiers struct {
	License  *string `json:"license"`
	Steam    *string `json:"steam"`
	Rockstar *string `json:"rockstar"`
}

// Empty reports whether no identifier is set.
func (i Identifiers) Empty() bool {
	return i.License == nil && i.Steam == nil && i.Rockstar == nil
}

// Clone returns a deep copy so later edits to the source cannot change a stored snapshot.
func (i Identifiers) Clone() Identifiers {
	return Identifiers{License: cloneStr(i.License), Steam: cloneStr(i.Steam), Rockstar: cloneStr(i.Rockstar)}
}

// Intersects reports whether any identifier field set in both i and other holds the same value.
func (i Identifiers) Intersects(other Identifiers) bool {
	return eq(i.License, other.License) || eq(i.Steam, other.Steam) || eq(i.Rockstar, other.Rockstar)
}

func eq(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ConnectToken is a single-use, time-boxed credential. Only TokenHash is stored; the plaintext is returned once at issue.
type ConnectToken struct {
	ID          string
	TokenHash   string
	OwnerID     string
	SourceIP    string
	Identifiers Identifiers
	ExpiresAt   time.Time
	UsedAt      *time.Time // nil until consumed
	CreatedAt   time.Time
}

// IsActive reports whether the token is unused and unexpired at now.
func (t *ConnectToken) IsActive(now time.Time) bool {
	return t.UsedAt == nil && t.ExpiresAt.After(now)
}

// Limits are the anti-abuse gates checked atomically with token insertion.
type Limits struct {
	// RateWindow is the trailing window for RatePerWindow (60s for a per-minute cap).
	RateWindow time.Duration
	// RatePerWindow is the maximum number of tokens an owner may create within RateWindow.
	RatePerWindow int
	// Cooldown rejects creation when any token was created for the owner within this window. Zero disables it.
	Cooldown time.Duration
}

// ConsumeQuery selects the token to consume.
type ConsumeQuery struct {
	Identifiers Identifiers
	SourceIP    string
	// StrictIP additionally requires SourceIP to equal the address recorded at issue.
	StrictIP bool
}
