package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"connect-gate/internal/connecttoken/domain"
	"connect-gate/internal/db"
)

const (
	lockOwnerSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	ownerCountsSQL = `SELECT
	COUNT(*) FILTER (WHERE used_at IS NULL AND expires_at > $2),
	COUNT(*) FILTER (WHERE created_at >= $3),
	COUNT(*) FILTER (WHERE created_at >= $4)
FROM connect_tokens
WHERE owner_id = $1`

	insertTokenSQL = `INSERT INTO connect_tokens
	(id, token_hash, owner_id, source_ip, license, steam, rockstar, expires_at, used_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9)`

	tokenColumns = `id, token_hash, owner_id, source_ip, license, steam, rockstar, expires_at, used_at, created_at`

	consumeSQL = `UPDATE connect_tokens SET used_at = $1
WHERE id = (
	SELECT id FROM connect_tokens
	WHERE used_at IS NULL AND expires_at > $1
	  AND (license = $2 OR steam = $3 OR rockstar = $4)
	  AND ($5::bool = false OR source_ip = $6)
	ORDER BY created_at DESC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AND used_at IS NULL AND expires_at > $1
RETURNING ` + tokenColumns

	activeByOwnerSQL = `SELECT ` + tokenColumns + `
FROM connect_tokens
WHERE owner_id = $1 AND used_at IS NULL AND expires_at > $2
ORDER BY created_at DESC
LIMIT 1`

	deleteTokenSQL = `DELETE FROM connect_tokens WHERE id = $1`

	purgeExpiredSQL = `DELETE FROM connect_tokens WHERE expires_at < $1`
)

// PostgresRepository stores connect tokens in the connect_tokens table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a connect token repository that uses the given db for persistence.
func NewPostgresRepository(conn *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// CreateIfAllowed runs the gates and the insert in one READ COMMITTED transaction holding a
// transaction-scoped advisory lock on the owner, so concurrent creates for one owner are serialized.
func (r *PostgresRepository) CreateIfAllowed(ctx context.Context, t *domain.ConnectToken, limits domain.Limits) error {
	if t.Identifiers.Empty() {
		return domain.ErrIdentifiersRequired
	}
	now := t.CreatedAt
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	return db.WithTx(ctx, r.db, opts, func(ctx context.Context, tx db.DBTX) error {
		if _, err := tx.ExecContext(ctx, lockOwnerSQL, t.OwnerID); err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}

		var active, recent, cooling int
		err := tx.QueryRowContext(ctx, ownerCountsSQL,
			t.OwnerID, now, now.Add(-limits.RateWindow), now.Add(-limits.Cooldown),
		).Scan(&active, &recent, &cooling)
		if err != nil {
			return fmt.Errorf("count owner tokens: %w", err)
		}
		if err := checkGates(active, recent, cooling, limits); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, insertTokenSQL,
			t.ID, t.TokenHash, t.OwnerID, t.SourceIP,
			nullString(t.Identifiers.License), nullString(t.Identifiers.Steam), nullString(t.Identifiers.Rockstar),
			t.ExpiresAt, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		return nil
	})
}

// Consume marks and returns the matching token in a single UPDATE. Concurrent callers racing for the
// same row either skip it (SKIP LOCKED) or fail the re-checked predicate, so only one sees it returned.
func (r *PostgresRepository) Consume(ctx context.Context, q domain.ConsumeQuery, now time.Time) (*domain.ConnectToken, error) {
	if q.Identifiers.Empty() {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, consumeSQL, now,
		nullString(q.Identifiers.License), nullString(q.Identifiers.Steam), nullString(q.Identifiers.Rockstar),
		q.StrictIP, q.SourceIP)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// GetActiveByOwner returns the owner's active token at now, or nil if none.
func (r *PostgresRepository) GetActiveByOwner(ctx context.Context, ownerID string, now time.Time) (*domain.ConnectToken, error) {
	t, err := scanToken(r.db.QueryRowContext(ctx, activeByOwnerSQL, ownerID, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// Delete removes the token with id.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, deleteTokenSQL, id)
	return err
}

// PurgeExpired deletes tokens whose expires_at is before cutoff.
func (r *PostgresRepository) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, purgeExpiredSQL, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// checkGates applies the create gates in order: active, rate, cooldown.
func checkGates(active, recent, cooling int, limits domain.Limits) error {
	switch {
	case active > 0:
		return domain.ErrTokenAlreadyActive
	case recent >= limits.RatePerWindow:
		return domain.ErrRateLimited
	case limits.Cooldown > 0 && cooling > 0:
		return domain.ErrCooldown
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*domain.ConnectToken, error) {
	var (
		t                        domain.ConnectToken
		license, steam, rockstar sql.NullString
		usedAt                   sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TokenHash, &t.OwnerID, &t.SourceIP, &license, &steam, &rockstar,
		&t.ExpiresAt, &usedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Identifiers = domain.Identifiers{
		License:  stringPtr(license),
		Steam:    stringPtr(steam),
		Rockstar: stringPtr(rockstar),
	}
	if usedAt.Valid {
		u := usedAt.Time
		t.UsedAt = &u
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
