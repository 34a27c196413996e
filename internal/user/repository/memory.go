package repository

import (
	"context"
	"sync"
	"time"

	ctdomain "connect-gate/internal/connecttoken/domain"
	"connect-gate/internal/user/domain"
)

// MemoryRepository is an in-process user Repository for tests and local development.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*domain.User
}

// NewMemoryRepository returns an empty in-memory user repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]*domain.User)}
}

// GetByID returns a copy of the user with id, or nil if none.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return copyUser(u), nil
}

// Upsert stores u, keeping the existing CreatedAt and identifiers when the user is already known.
func (r *MemoryRepository) Upsert(ctx context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.users[u.ID]; ok {
		existing.Username = u.Username
		existing.Avatar = u.Avatar
		existing.UpdatedAt = now
		return nil
	}
	c := copyUser(u)
	c.CreatedAt, c.UpdatedAt = now, now
	r.users[u.ID] = c
	return nil
}

// UpdateIdentifiers overwrites only the non-nil fields of ids. Returns nil when the user is unknown.
func (r *MemoryRepository) UpdateIdentifiers(ctx context.Context, id string, ids ctdomain.Identifiers) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	ids = ids.Clone()
	if ids.License != nil {
		u.Identifiers.License = ids.License
	}
	if ids.Steam != nil {
		u.Identifiers.Steam = ids.Steam
	}
	if ids.Rockstar != nil {
		u.Identifiers.Rockstar = ids.Rockstar
	}
	u.UpdatedAt = time.Now().UTC()
	return copyUser(u), nil
}

func copyUser(u *domain.User) *domain.User {
	c := *u
	c.Identifiers = u.Identifiers.Clone()
	return &c
}
