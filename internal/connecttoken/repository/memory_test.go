package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connect-gate/internal/connecttoken/domain"
)

func newToken(owner string, now time.Time, ttl time.Duration) *domain.ConnectToken {
	return &domain.ConnectToken{
		ID:          uuid.NewString(),
		TokenHash:   uuid.NewString(),
		OwnerID:     owner,
		SourceIP:    "203.0.113.5",
		Identifiers: domain.Identifiers{License: strp("license:" + owner)},
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
}

func TestMemory_CreateGatesInOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limits := domain.Limits{RateWindow: time.Minute, RatePerWindow: 2, Cooldown: 20 * time.Second}

	require.NoError(t, repo.CreateIfAllowed(ctx, newToken("alice", now, 10*time.Second), limits))
	// Still active.
	require.ErrorIs(t, repo.CreateIfAllowed(ctx, newToken("alice", now.Add(5*time.Second), 10*time.Second), limits), domain.ErrTokenAlreadyActive)
	// Expired but inside cooldown.
	require.ErrorIs(t, repo.CreateIfAllowed(ctx, newToken("alice", now.Add(15*time.Second), 10*time.Second), limits), domain.ErrCooldown)
	// Past cooldown.
	require.NoError(t, repo.CreateIfAllowed(ctx, newToken("alice", now.Add(25*time.Second), 10*time.Second), limits))
	// Two created within the minute: rate gate wins over cooldown.
	require.ErrorIs(t, repo.CreateIfAllowed(ctx, newToken("alice", now.Add(50*time.Second), 10*time.Second), limits), domain.ErrRateLimited)
	// Other owners are unaffected.
	require.NoError(t, repo.CreateIfAllowed(ctx, newToken("bob", now.Add(50*time.Second), 10*time.Second), limits))
}

func TestMemory_ConcurrentCreateSingleActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	limits := domain.Limits{RateWindow: time.Minute, RatePerWindow: 100}

	var wg sync.WaitGroup
	var ok int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if repo.CreateIfAllowed(ctx, newToken("alice", now, time.Minute), limits) == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok)
}

func TestMemory_ConsumeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	require.NoError(t, repo.CreateIfAllowed(ctx, newToken("alice", now, time.Minute), domain.Limits{RateWindow: time.Minute, RatePerWindow: 5}))

	q := domain.ConsumeQuery{Identifiers: domain.Identifiers{License: strp("license:alice")}, SourceIP: "203.0.113.5", StrictIP: true}
	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := repo.Consume(ctx, q, now.Add(time.Second))
			if err == nil && got != nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)
}

func TestMemory_ConsumeMatching(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	limits := domain.Limits{RateWindow: time.Minute, RatePerWindow: 5}

	testCases := []struct {
		name string
		q    domain.ConsumeQuery
		at   time.Time
		want bool
	}{
		{"license match", domain.ConsumeQuery{Identifiers: domain.Identifiers{License: strp("license:alice")}}, now, true},
		{"other field mismatch still ors", domain.ConsumeQuery{Identifiers: domain.Identifiers{License: strp("license:alice"), Steam: strp("steam:x")}}, now, true},
		{"wrong identifier", domain.ConsumeQuery{Identifiers: domain.Identifiers{License: strp("license:bob")}}, now, false},
		{"no identifiers", domain.ConsumeQuery{}, now, false},
		{"strict ip mismatch", domain.ConsumeQuery{Identifiers: domain.Identifiers{License: strp("license:alice")}, SourceIP: "198.51.100.1", StrictIP: true}, now, false},
		{"strict ip empty", domain.ConsumeQuery{Identifiers: domain.Identifiers{License: strp("license:alice")}, StrictIP: true}, now, false},
		{"loose ip mismatch", domain.ConsumeQuery{Identifiers: domain.Identifiers{License: strp("license:alice")}, SourceIP: "198.51.100.1"}, now, true},
		{"at expiry", domain.ConsumeQuery{Identifiers: domain.Identifiers{License: strp("license:alice")}}, now.Add(time.Minute), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			repo := NewMemoryRepository()
			require.NoError(t, repo.CreateIfAllowed(ctx, newToken("alice", now, time.Minute), limits))
			got, err := repo.Consume(ctx, tc.q, tc.at)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got != nil)
		})
	}
}

func TestMemory_ConsumePicksMostRecent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	limits := domain.Limits{RateWindow: time.Minute, RatePerWindow: 5}

	older := newToken("alice", now, time.Minute)
	newer := newToken("carol", now.Add(time.Second), time.Minute)
	newer.Identifiers = domain.Identifiers{License: strp("license:alice")}
	require.NoError(t, repo.CreateIfAllowed(ctx, older, limits))
	require.NoError(t, repo.CreateIfAllowed(ctx, newer, limits))

	got, err := repo.Consume(ctx, domain.ConsumeQuery{Identifiers: domain.Identifiers{License: strp("license:alice")}}, now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)
}

func TestMemory_DeleteFreesOwner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	limits := domain.Limits{RateWindow: time.Minute, RatePerWindow: 5}

	tok := newToken("alice", now, time.Minute)
	require.NoError(t, repo.CreateIfAllowed(ctx, tok, limits))
	active, err := repo.GetActiveByOwner(ctx, "alice", now)
	require.NoError(t, err)
	require.NotNil(t, active)

	require.NoError(t, repo.Delete(ctx, tok.ID))
	active, err = repo.GetActiveByOwner(ctx, "alice", now)
	require.NoError(t, err)
	assert.Nil(t, active)
	require.NoError(t, repo.CreateIfAllowed(ctx, newToken("alice", now, time.Minute), limits))
}

func TestMemory_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	now := time.Now()
	limits := domain.Limits{RateWindow: time.Minute, RatePerWindow: 5}

	require.NoError(t, repo.CreateIfAllowed(ctx, newToken("alice", now.Add(-48*time.Hour), time.Minute), limits))
	require.NoError(t, repo.CreateIfAllowed(ctx, newToken("bob", now, time.Minute), limits))

	n, err := repo.PurgeExpired(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	active, _ := repo.GetActiveByOwner(ctx, "bob", now)
	assert.NotNil(t, active)
}
