package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connect-gate/internal/connecttoken/domain"
	"connect-gate/internal/connecttoken/repository"
	"connect-gate/internal/security"
	"connect-gate/internal/telemetry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingEmitter struct {
	mu       sync.Mutex
	names    []string
	services []string
	signal   chan struct{}
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{signal: make(chan struct{}, 64)}
}

func (r *recordingEmitter) Emit(_ context.Context, ev *telemetry.Event) error {
	r.mu.Lock()
	r.names = append(r.names, ev.Name)
	r.services = append(r.services, ev.Service)
	r.mu.Unlock()
	r.signal <- struct{}{}
	return nil
}

func (r *recordingEmitter) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("waited for %d events, got %d", n, i)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func strp(s string) *string { return &s }

var alice = Owner{ID: "discord-alice", Identifiers: domain.Identifiers{License: strp("license:abc12")}}

const aliceIP = "203.0.113.5"

func newTestService(t *testing.T, cfg Config, opts ...Option) (*TokenService, *repository.MemoryRepository, *fakeClock) {
	t.Helper()
	hasher, err := security.NewTokenHasher("test-secret")
	require.NoError(t, err)
	repo := repository.NewMemoryRepository()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewTokenService(repo, hasher, cfg, opts...), repo, clock
}

var defaultCfg = Config{TTL: 60 * time.Second, RatePerMinute: 5, Cooldown: 0, StrictIP: true, Retention: 24 * time.Hour}

func TestCreate_IssuesToken(t *testing.T) {
	svc, repo, clock := newTestService(t, defaultCfg)
	ctx := context.Background()

	issued, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)
	assert.Equal(t, 60, issued.ExpiresIn)
	assert.Equal(t, "license:abc12", *issued.Record.Identifiers.License)
	assert.True(t, issued.Record.ExpiresAt.Equal(clock.Now().Add(60*time.Second)))

	hasher, _ := security.NewTokenHasher("test-secret")
	assert.Equal(t, hasher.Hash(issued.Token), issued.Record.TokenHash, "stored hash must be the HMAC of the plaintext")
	assert.NotContains(t, issued.Record.TokenHash, issued.Token)

	active, err := repo.GetActiveByOwner(ctx, alice.ID, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, issued.Record.ID, active.ID)
}

func TestCreate_SnapshotIsFrozen(t *testing.T) {
	svc, _, _ := newTestService(t, defaultCfg)
	owner := Owner{ID: "discord-bob", Identifiers: domain.Identifiers{Steam: strp("steam:110000100000001")}}

	issued, err := svc.Create(context.Background(), owner, aliceIP)
	require.NoError(t, err)
	*owner.Identifiers.Steam = "steam:changed"
	assert.Equal(t, "steam:110000100000001", *issued.Record.Identifiers.Steam)
}

func TestCreate_Rejections(t *testing.T) {
	testCases := []struct {
		name  string
		owner Owner
		ip    string
		want  error
	}{
		{"no identifiers", Owner{ID: "discord-x"}, aliceIP, domain.ErrIdentifiersRequired},
		{"ipv6", alice, "2001:db8::1", domain.ErrInvalidIP},
		{"garbage ip", alice, "not-an-ip", domain.ErrInvalidIP},
		{"mapped ipv4", alice, "::ffff:203.0.113.5", domain.ErrInvalidIP},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newTestService(t, defaultCfg)
			_, err := svc.Create(context.Background(), tc.owner, tc.ip)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreate_SecondWhileActive(t *testing.T) {
	svc, _, clock := newTestService(t, defaultCfg)
	ctx := context.Background()

	_, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	_, err = svc.Create(ctx, alice, aliceIP)
	require.ErrorIs(t, err, domain.ErrTokenAlreadyActive)
}

func TestCreate_RateCap(t *testing.T) {
	svc, _, clock := newTestService(t, defaultCfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, alice, aliceIP)
		require.NoError(t, err, "create %d", i+1)
		_, ok, err := svc.Consume(ctx, alice.Identifiers, aliceIP)
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(time.Second)
	}
	_, err := svc.Create(ctx, alice, aliceIP)
	require.ErrorIs(t, err, domain.ErrRateLimited)

	clock.Advance(RateWindow)
	_, err = svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err, "window has slid past the earlier creates")
}

func TestCreate_Cooldown(t *testing.T) {
	cfg := defaultCfg
	cfg.Cooldown = 20 * time.Second
	svc, _, clock := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
	_, ok, _ := svc.Consume(ctx, alice.Identifiers, aliceIP)
	require.True(t, ok)

	clock.Advance(5 * time.Second)
	_, err = svc.Create(ctx, alice, aliceIP)
	require.ErrorIs(t, err, domain.ErrCooldown)

	clock.Advance(20 * time.Second)
	_, err = svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
}

func TestCreate_ConcurrentSameOwner(t *testing.T) {
	svc, _, _ := newTestService(t, Config{TTL: time.Minute, RatePerMinute: 100, StrictIP: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, active int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(ctx, alice, aliceIP)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, domain.ErrTokenAlreadyActive):
				atomic.AddInt32(&active, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok)
	assert.EqualValues(t, 19, active)
}

func TestConsume_ExactlyOnce(t *testing.T) {
	svc, _, _ := newTestService(t, defaultCfg)
	ctx := context.Background()
	_, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)

	tok, ok, err := svc.Consume(ctx, domain.Identifiers{License: strp("license:abc12")}, aliceIP)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, tok.UsedAt)

	_, ok, err = svc.Consume(ctx, domain.Identifiers{License: strp("license:abc12")}, aliceIP)
	require.NoError(t, err)
	assert.False(t, ok, "second consume must fail")
}

func TestConsume_ConcurrentExactlyOnce(t *testing.T) {
	svc, _, _ := newTestService(t, defaultCfg)
	ctx := context.Background()
	_, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := svc.Consume(ctx, alice.Identifiers, aliceIP); err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)
}

func TestConsume_ExpiredIsIndistinguishable(t *testing.T) {
	svc, _, clock := newTestService(t, defaultCfg)
	ctx := context.Background()
	_, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)

	clock.Advance(defaultCfg.TTL)
	tok, ok, err := svc.Consume(ctx, alice.Identifiers, aliceIP)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, tok)
}

func TestConsume_StrictIP(t *testing.T) {
	ctx := context.Background()

	strict, _, _ := newTestService(t, defaultCfg)
	_, err := strict.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
	_, ok, _ := strict.Consume(ctx, alice.Identifiers, "198.51.100.7")
	assert.False(t, ok)

	cfg := defaultCfg
	cfg.StrictIP = false
	loose, _, _ := newTestService(t, cfg)
	_, err = loose.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
	_, ok, _ = loose.Consume(ctx, alice.Identifiers, "198.51.100.7")
	assert.True(t, ok)
}

type countingRepo struct {
	*repository.MemoryRepository
	consumes atomic.Int32
}

func (r *countingRepo) Consume(ctx context.Context, q domain.ConsumeQuery, now time.Time) (*domain.ConnectToken, error) {
	r.consumes.Add(1)
	return r.MemoryRepository.Consume(ctx, q, now)
}

func TestConsume_StrictIPRequiresAddress(t *testing.T) {
	hasher, err := security.NewTokenHasher("test-secret")
	require.NoError(t, err)
	repo := &countingRepo{MemoryRepository: repository.NewMemoryRepository()}
	svc := NewTokenService(repo, hasher, defaultCfg)
	ctx := context.Background()

	_, err = svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)

	for _, ip := range []string{"", "not-an-ip", "2001:db8::1"} {
		_, ok, err := svc.Consume(ctx, alice.Identifiers, ip)
		require.NoError(t, err)
		assert.False(t, ok, "source %q", ip)
	}
	assert.Zero(t, repo.consumes.Load())

	_, ok, err := svc.Consume(ctx, alice.Identifiers, aliceIP)
	require.NoError(t, err)
	assert.True(t, ok, "the token must still be unused")
}

func TestActive(t *testing.T) {
	svc, _, clock := newTestService(t, defaultCfg)
	ctx := context.Background()

	_, ok, err := svc.Active(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
	clock.Advance(20*time.Second + 500*time.Millisecond)
	expiresIn, ok, err := svc.Active(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 40, expiresIn, "partial seconds round up")

	_, consumed, err := svc.Consume(ctx, alice.Identifiers, aliceIP)
	require.NoError(t, err)
	require.True(t, consumed)
	_, ok, err = svc.Active(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a used token is no longer pending")
}

func TestConsume_NoIdentifiers(t *testing.T) {
	svc, _, _ := newTestService(t, defaultCfg)
	_, ok, err := svc.Consume(context.Background(), domain.Identifiers{}, aliceIP)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevoke_FreesOwner(t *testing.T) {
	svc, _, _ := newTestService(t, defaultCfg)
	ctx := context.Background()

	issued, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, issued.Record, "entry_allowlist_failed"))

	_, ok, _ := svc.Consume(ctx, alice.Identifiers, aliceIP)
	assert.False(t, ok, "revoked token must not be consumable")
	_, err = svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err, "revoke must not leave an active token behind")
}

func TestPurgeExpired(t *testing.T) {
	svc, _, clock := newTestService(t, defaultCfg)
	ctx := context.Background()
	_, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)

	n, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(25 * time.Hour)
	n, err = svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestStartPurge_InvalidSpec(t *testing.T) {
	svc, _, _ := newTestService(t, defaultCfg)
	_, err := svc.StartPurge(context.Background(), "every tuesday")
	require.Error(t, err)

	c, err := svc.StartPurge(context.Background(), "@every 10m")
	require.NoError(t, err)
	<-c.Stop().Done()
}

func TestLifecycleEvents(t *testing.T) {
	em := newRecordingEmitter()
	svc, _, _ := newTestService(t, defaultCfg, WithEmitter(em))
	ctx := context.Background()

	issued, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
	names := em.wait(t, 1)
	assert.Equal(t, []string{telemetry.EventIssued}, names)

	require.NoError(t, svc.Revoke(ctx, issued.Record, "test"))
	_, _, _ = svc.Consume(ctx, alice.Identifiers, aliceIP)
	names = em.wait(t, 2)
	assert.ElementsMatch(t, []string{telemetry.EventIssued, telemetry.EventRevoked, telemetry.EventRejected}, names)
}

func TestLifecycleEvents_CarryServiceName(t *testing.T) {
	em := newRecordingEmitter()
	svc, _, _ := newTestService(t, defaultCfg, WithEmitter(em), WithServiceName("connect-gate"))
	ctx := context.Background()

	_, err := svc.Create(ctx, alice, aliceIP)
	require.NoError(t, err)
	_, ok, err := svc.Consume(ctx, alice.Identifiers, aliceIP)
	require.NoError(t, err)
	require.True(t, ok)
	em.wait(t, 2)

	em.mu.Lock()
	defer em.mu.Unlock()
	assert.Equal(t, []string{"connect-gate", "connect-gate"}, em.services)
}
