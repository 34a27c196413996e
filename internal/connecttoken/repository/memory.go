package repository

import (
	"context"
	"sync"
	"time"

	"connect-gate/internal/connecttoken/domain"
)

// MemoryRepository is an in-process Repository for tests and local development.
// A single mutex serializes every operation, which also makes create and consume atomic.
type MemoryRepository struct {
	mu     sync.Mutex
	tokens []*domain.ConnectToken
}

// NewMemoryRepository returns an empty in-memory connect token repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// CreateIfAllowed applies the create gates and stores a copy of t.
func (r *MemoryRepository) CreateIfAllowed(ctx context.Context, t *domain.ConnectToken, limits domain.Limits) error {
	if t.Identifiers.Empty() {
		return domain.ErrIdentifiersRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := t.CreatedAt
	rateSince := now.Add(-limits.RateWindow)
	coolSince := now.Add(-limits.Cooldown)
	var active, recent, cooling int
	for _, existing := range r.tokens {
		if existing.OwnerID != t.OwnerID {
			continue
		}
		if existing.IsActive(now) {
			active++
		}
		if !existing.CreatedAt.Before(rateSince) {
			recent++
		}
		if !existing.CreatedAt.Before(coolSince) {
			cooling++
		}
	}
	if err := checkGates(active, recent, cooling, limits); err != nil {
		return err
	}
	r.tokens = append(r.tokens, copyToken(t))
	return nil
}

// Consume marks the most recently created matching active token as used.
func (r *MemoryRepository) Consume(ctx context.Context, q domain.ConsumeQuery, now time.Time) (*domain.ConnectToken, error) {
	if q.Identifiers.Empty() {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *domain.ConnectToken
	for _, t := range r.tokens {
		if !t.IsActive(now) || !t.Identifiers.Intersects(q.Identifiers) {
			continue
		}
		if q.StrictIP && t.SourceIP != q.SourceIP {
			continue
		}
		if best == nil || !t.CreatedAt.Before(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	used := now
	best.UsedAt = &used
	return copyToken(best), nil
}

// GetActiveByOwner returns the owner's active token at now, or nil if none.
func (r *MemoryRepository) GetActiveByOwner(ctx context.Context, ownerID string, now time.Time) (*domain.ConnectToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.tokens) - 1; i >= 0; i-- {
		if t := r.tokens[i]; t.OwnerID == ownerID && t.IsActive(now) {
			return copyToken(t), nil
		}
	}
	return nil, nil
}

// Delete removes the token with id.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tokens {
		if t.ID == id {
			r.tokens = append(r.tokens[:i], r.tokens[i+1:]...)
			return nil
		}
	}
	return nil
}

// PurgeExpired deletes tokens that expired before cutoff.
func (r *MemoryRepository) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.tokens[:0]
	var n int64
	for _, t := range r.tokens {
		if t.ExpiresAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	r.tokens = kept
	return n, nil
}

func copyToken(t *domain.ConnectToken) *domain.ConnectToken {
	c := *t
	c.Identifiers = t.Identifiers.Clone()
	if t.UsedAt != nil {
		u := *t.UsedAt
		c.UsedAt = &u
	}
	return &c
}
