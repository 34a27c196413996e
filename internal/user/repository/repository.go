package repository

import (
	"context"

	ctdomain "connect-gate/internal/connecttoken/domain"
	"connect-gate/internal/user/domain"
)

// Repository defines persistence for users and their bound identifiers.
type Repository interface {
	// GetByID returns the user for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// Upsert creates the user or refreshes its username and avatar. Identifiers are left untouched.
	Upsert(ctx context.Context, u *domain.User) error
	// UpdateIdentifiers sets the non-nil fields of ids and keeps the others. Returns the updated user,
	// or nil if the user does not exist.
	UpdateIdentifiers(ctx context.Context, id string, ids ctdomain.Identifiers) (*domain.User, error)
}
