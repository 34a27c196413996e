package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctdomain "connect-gate/internal/connecttoken/domain"
	"connect-gate/internal/user/domain"
)

var userCols = []string{"id", "username", "avatar", "license", "steam", "rockstar", "created_at", "updated_at"}

func strp(s string) *string { return &s }

func TestPostgres_GetByID(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	repo := NewPostgresRepository(conn)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).WithArgs("discord-1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("discord-1", "alice", "", "license:abc12", nil, nil, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(userCols))

	u, err := repo.GetByID(context.Background(), "discord-1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "license:abc12", *u.Identifiers.License)
	assert.Nil(t, u.Identifiers.Steam)

	u, err = repo.GetByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, u)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateIdentifiers_KeepsAbsent(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &PostgresRepository{db: conn, now: func() time.Time { return now }}

	mock.ExpectQuery(regexp.QuoteMeta("license = COALESCE($2, license)")).
		WithArgs("discord-1", nil, "steam:110000100000001", nil, now).
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("discord-1", "alice", "", "license:abc12", "steam:110000100000001", nil, now, now))

	u, err := repo.UpdateIdentifiers(context.Background(), "discord-1", ctdomain.Identifiers{Steam: strp("steam:110000100000001")})
	require.NoError(t, err)
	assert.Equal(t, "license:abc12", *u.Identifiers.License)
	assert.Equal(t, "steam:110000100000001", *u.Identifiers.Steam)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Upsert(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &PostgresRepository{db: conn, now: func() time.Time { return now }}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE")).
		WithArgs("discord-1", "alice", "a1b2", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Upsert(context.Background(), &domain.User{ID: "discord-1", Username: "alice", Avatar: "a1b2"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemory_UpdateIdentifiers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	u, err := repo.UpdateIdentifiers(ctx, "ghost", ctdomain.Identifiers{License: strp("license:abc12")})
	require.NoError(t, err)
	assert.Nil(t, u, "unknown user")

	require.NoError(t, repo.Upsert(ctx, &domain.User{ID: "discord-1", Username: "alice"}))
	_, err = repo.UpdateIdentifiers(ctx, "discord-1", ctdomain.Identifiers{License: strp("license:abc12")})
	require.NoError(t, err)
	u, err = repo.UpdateIdentifiers(ctx, "discord-1", ctdomain.Identifiers{Rockstar: strp("rockstar:xyz99")})
	require.NoError(t, err)
	assert.Equal(t, "license:abc12", *u.Identifiers.License, "absent field keeps previous value")
	assert.Equal(t, "rockstar:xyz99", *u.Identifiers.Rockstar)

	require.NoError(t, repo.Upsert(ctx, &domain.User{ID: "discord-1", Username: "alice2"}))
	got, _ := repo.GetByID(ctx, "discord-1")
	assert.Equal(t, "alice2", got.Username)
	assert.NotNil(t, got.Identifiers.License, "upsert leaves identifiers")
}
