package repository

import (
	"context"
	"time"

	"connect-gate/internal/connecttoken/domain"
)

// Repository defines persistence for connect tokens.
type Repository interface {
	// CreateIfAllowed checks the active-token, rate and cooldown gates for t.OwnerID and inserts t,
	// all under one per-owner serialization. t.CreatedAt is the reference time for every window.
	// Returns domain.ErrTokenAlreadyActive, domain.ErrRateLimited or domain.ErrCooldown when a gate rejects.
	CreateIfAllowed(ctx context.Context, t *domain.ConnectToken, limits domain.Limits) error
	// Consume atomically marks the most recent active token matching q as used at now and returns it.
	// Returns nil, nil when nothing matches.
	Consume(ctx context.Context, q domain.ConsumeQuery, now time.Time) (*domain.ConnectToken, error)
	// GetActiveByOwner returns the owner's active token at now, or nil if none.
	GetActiveByOwner(ctx context.Context, ownerID string, now time.Time) (*domain.ConnectToken, error)
	// Delete removes the token with id. Deleting a missing token is not an error.
	Delete(ctx context.Context, id string) error
	// PurgeExpired deletes tokens that expired before cutoff and returns how many were removed.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
