// Package service implements the connect token lifecycle: issue, consume, revoke and purge.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"connect-gate/internal/connecttoken/domain"
	"connect-gate/internal/connecttoken/repository"
	"connect-gate/internal/platform/ipaddr"
	"connect-gate/internal/security"
	"connect-gate/internal/telemetry"
	telemetryotel "connect-gate/internal/telemetry/otel"
)

// RateWindow is the fixed trailing window for the per-owner create cap.
const RateWindow = 60 * time.Second

// Config holds the issuance policy.
type Config struct {
	// TTL is the lifetime of an issued token.
	TTL time.Duration
	// RatePerMinute caps creates per owner within RateWindow.
	RatePerMinute int
	// Cooldown rejects a create when any token was created for the owner within it. Zero disables it.
	Cooldown time.Duration
	// StrictIP requires consume to present the issuing address.
	StrictIP bool
	// Retention is how long expired tokens are kept before PurgeExpired removes them.
	Retention time.Duration
}

// Owner is the requesting user with the identifiers currently bound to their account.
type Owner struct {
	ID          string
	Identifiers domain.Identifiers
}

// Issued is the result of Create. Token is the plaintext and is never retrievable again.
type Issued struct {
	Token     string
	Record    *domain.ConnectToken
	ExpiresIn int
}

// TokenService issues and consumes connect tokens.
type TokenService struct {
	repo    repository.Repository
	hasher  *security.TokenHasher
	cfg     Config
	now     func() time.Time
	events  telemetry.EventEmitter
	metrics *telemetryotel.Metrics
	logger  *zap.Logger
	service string
}

// Option configures optional TokenService collaborators.
type Option func(*TokenService)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) { s.now = now }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e telemetry.EventEmitter) Option {
	return func(s *TokenService) { s.events = e }
}

// WithMetrics sets the counters.
func WithMetrics(m *telemetryotel.Metrics) Option {
	return func(s *TokenService) { s.metrics = m }
}

// WithServiceName stamps every lifecycle event with name.
func WithServiceName(name string) Option {
	return func(s *TokenService) { s.service = name }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *TokenService) { s.logger = l }
}

// NewTokenService returns a TokenService with the given dependencies.
func NewTokenService(repo repository.Repository, hasher *security.TokenHasher, cfg Config, opts ...Option) *TokenService {
	s := &TokenService{
		repo:   repo,
		hasher: hasher,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create issues a token for owner bound to sourceIP. Gate failures return the domain sentinel errors;
// the active, rate and cooldown checks and the insert are atomic per owner.
func (s *TokenService) Create(ctx context.Context, owner Owner, sourceIP string) (*Issued, error) {
	if !ipaddr.IsIPv4(sourceIP) {
		return nil, domain.ErrInvalidIP
	}
	if owner.Identifiers.Empty() {
		s.reject(ctx, owner.ID, sourceIP, domain.ErrIdentifiersRequired)
		return nil, domain.ErrIdentifiersRequired
	}

	plaintext, hash, err := s.hasher.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := s.now().UTC()
	record := &domain.ConnectToken{
		ID:          uuid.NewString(),
		TokenHash:   hash,
		OwnerID:     owner.ID,
		SourceIP:    sourceIP,
		Identifiers: owner.Identifiers.Clone(),
		ExpiresAt:   now.Add(s.cfg.TTL),
		CreatedAt:   now,
	}
	limits := domain.Limits{RateWindow: RateWindow, RatePerWindow: s.cfg.RatePerMinute, Cooldown: s.cfg.Cooldown}
	if err := s.repo.CreateIfAllowed(ctx, record, limits); err != nil {
		if isGateError(err) {
			s.reject(ctx, owner.ID, sourceIP, err)
			return nil, err
		}
		return nil, fmt.Errorf("create token: %w", err)
	}

	s.metrics.TokenIssued(ctx)
	s.emit(ctx, &telemetry.Event{
		Name: telemetry.EventIssued, OwnerID: owner.ID, TokenID: record.ID, SourceIP: sourceIP, CreatedAt: now,
	})
	return &Issued{Token: plaintext, Record: record, ExpiresIn: int(s.cfg.TTL / time.Second)}, nil
}

// Consume marks the most recent active token matching ids as used. It returns ok=false for every
// non-match so callers cannot tell unknown, expired, used and mismatched tokens apart.
func (s *TokenService) Consume(ctx context.Context, ids domain.Identifiers, sourceIP string) (*domain.ConnectToken, bool, error) {
	if ids.Empty() {
		return nil, false, nil
	}
	if s.cfg.StrictIP && !ipaddr.IsIPv4(sourceIP) {
		s.reject(ctx, "", sourceIP, domain.ErrNotFound)
		return nil, false, nil
	}
	now := s.now().UTC()
	t, err := s.repo.Consume(ctx, domain.ConsumeQuery{Identifiers: ids, SourceIP: sourceIP, StrictIP: s.cfg.StrictIP}, now)
	if err != nil {
		return nil, false, fmt.Errorf("consume token: %w", err)
	}
	if t == nil {
		s.reject(ctx, "", sourceIP, domain.ErrNotFound)
		return nil, false, nil
	}
	s.metrics.TokenConsumed(ctx)
	s.emit(ctx, &telemetry.Event{
		Name: telemetry.EventConsumed, OwnerID: t.OwnerID, TokenID: t.ID, SourceIP: sourceIP, CreatedAt: now,
	})
	return t, true, nil
}

// Active reports how many seconds remain on ownerID's unused token. ok is false when the owner
// has no active token.
func (s *TokenService) Active(ctx context.Context, ownerID string) (expiresIn int, ok bool, err error) {
	now := s.now().UTC()
	t, err := s.repo.GetActiveByOwner(ctx, ownerID, now)
	if err != nil {
		return 0, false, fmt.Errorf("active token: %w", err)
	}
	if t == nil {
		return 0, false, nil
	}
	remaining := t.ExpiresAt.Sub(now)
	return int((remaining + time.Second - 1) / time.Second), true, nil
}

// Revoke deletes record. It is the compensating action after a failed allowlist call.
func (s *TokenService) Revoke(ctx context.Context, record *domain.ConnectToken, reason string) error {
	if err := s.repo.Delete(ctx, record.ID); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.emit(ctx, &telemetry.Event{
		Name: telemetry.EventRevoked, OwnerID: record.OwnerID, TokenID: record.ID, SourceIP: record.SourceIP, Reason: reason,
	})
	return nil
}

// PurgeExpired deletes tokens that expired more than Retention ago.
func (s *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Retention)
	n, err := s.repo.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return n, nil
}

func (s *TokenService) emit(ctx context.Context, ev *telemetry.Event) {
	ev.Service = s.service
	telemetry.EmitAsync(s.events, ctx, ev)
}

func (s *TokenService) reject(ctx context.Context, ownerID, sourceIP string, reason error) {
	s.logger.Debug("connect token rejected", zap.String("owner_id", ownerID), zap.String("reason", reason.Error()))
	s.emit(ctx, &telemetry.Event{
		Name: telemetry.EventRejected, OwnerID: ownerID, SourceIP: sourceIP, Reason: reason.Error(),
	})
}

func isGateError(err error) bool {
	return errors.Is(err, domain.ErrTokenAlreadyActive) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrCooldown) ||
		errors.Is(err, domain.ErrIdentifiersRequired)
}
