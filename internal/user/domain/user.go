package domain

import (
	"regexp"
	"strings"
	"time"

	ctdomain "connect-gate/internal/connecttoken/domain"
)

// User is a Discord account with the game identifiers it has bound. ID is the Discord user id.
type User struct {
	ID          string
	Username    string
	Avatar      string
	Identifiers ctdomain.Identifiers
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	minIdentifierLen = 5
	maxIdentifierLen = 96
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9:]+$`)

// NormalizeIdentifier trims and lowercases s. It returns false when the result is not 5 to 96
// characters of [a-z0-9:].
func NormalizeIdentifier(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < minIdentifierLen || len(s) > maxIdentifierLen || !identifierPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// NormalizeIdentifiers normalises each field; invalid or missing values become nil.
func NormalizeIdentifiers(license, steam, rockstar *string) ctdomain.Identifiers {
	return ctdomain.Identifiers{
		License:  normalizePtr(license),
		Steam:    normalizePtr(steam),
		Rockstar: normalizePtr(rockstar),
	}
}

func normalizePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v, ok := NormalizeIdentifier(*s)
	if !ok {
		return nil
	}
	return &v
}
