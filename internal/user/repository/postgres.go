package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	ctdomain "connect-gate/internal/connecttoken/domain"
	"connect-gate/internal/user/domain"
)

const (
	userColumns = `id, username, avatar, license, steam, rockstar, created_at, updated_at`

	getUserSQL = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	upsertUserSQL = `INSERT INTO users (id, username, avatar, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, avatar = EXCLUDED.avatar, updated_at = EXCLUDED.updated_at`

	updateIdentifiersSQL = `UPDATE users SET
	license = COALESCE($2, license),
	steam = COALESCE($3, steam),
	rockstar = COALESCE($4, rockstar),
	updated_at = $5
WHERE id = $1
RETURNING ` + userColumns
)

// PostgresRepository stores users in the users table.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, getUserSQL, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// Upsert creates the user or refreshes username and avatar.
func (r *PostgresRepository) Upsert(ctx context.Context, u *domain.User) error {
	_, err := r.db.ExecContext(ctx, upsertUserSQL, u.ID, u.Username, u.Avatar, r.now().UTC())
	return err
}

// UpdateIdentifiers sets the non-nil identifier fields for id.
func (r *PostgresRepository) UpdateIdentifiers(ctx context.Context, id string, ids ctdomain.Identifiers) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, updateIdentifiersSQL, id,
		nullString(ids.License), nullString(ids.Steam), nullString(ids.Rockstar), r.now().UTC())
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u                        domain.User
		license, steam, rockstar sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Avatar, &license, &steam, &rockstar, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Identifiers = ctdomain.Identifiers{License: stringPtr(license), Steam: stringPtr(steam), Rockstar: stringPtr(rockstar)}
	return &u, nil
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
