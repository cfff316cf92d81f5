package stores_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/shopguard/internal/stores"
)

func newMockStore(t *testing.T) (*stores.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return stores.New(db, stores.WithClock(func() time.Time { return now })), mock
}

func TestCreateSubjectMapsPgUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO subjects")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "subjects_identifier_key"})

	_, err := s.CreateSubject(context.Background(), stores.Subject{Identifier: "dup@example.com", PasswordHash: "h"})
	assert.ErrorIs(t, err, stores.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAdminProfileMapsPgForeignKeyViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO admin_profiles")).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	err := s.CreateAdminProfile(context.Background(), stores.AdminProfile{SubjectID: "ghost"})
	assert.ErrorIs(t, err, stores.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRefreshTokenRollsBackWhenAlreadyRevoked(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE")).
		WithArgs(sqlmock.AnyArg(), stores.RevokedRotated, "old").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.RotateRefreshToken(context.Background(), "old", stores.RefreshToken{ID: "new", FamilyID: "f", TokenHash: "h"})
	assert.ErrorIs(t, err, stores.ErrTokenRevoked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddGrantUsesAtomicIncrement(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM roles WHERE id = $1")).
		WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM permissions WHERE code = $1")).
		WithArgs("orders:read").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("perm-1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO role_permissions")).
		WithArgs("role-1", "perm-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE roles SET version = version + 1")).
		WithArgs(sqlmock.AnyArg(), "role-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(8))
	mock.ExpectCommit()

	v, changed, err := s.AddGrant(context.Background(), "role-1", "orders:read")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 8, v)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceGrantsRollsBackOnUnknownCode(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM roles")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM role_permissions")).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM permissions")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := s.ReplaceGrants(context.Background(), "role-1", []string{"nope:nope"})
	assert.ErrorIs(t, err, stores.ErrUnknownPermission)
	require.NoError(t, mock.ExpectationsWereMet())
}
