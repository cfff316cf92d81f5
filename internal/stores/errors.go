package stores

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound            = errors.New("stores: not found")
	ErrConflict            = errors.New("stores: conflict")
	ErrUnknownPermission   = errors.New("stores: unknown permission code")
	ErrTokenRevoked        = errors.New("stores: refresh token already revoked")
	ErrSuperAdminImmutable = errors.New("stores: super admin profile cannot be changed")
	ErrSystemRole          = errors.New("stores: system role cannot be deleted")
	ErrUnavailable         = errors.New("stores: database connection unavailable")
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pgErr, ok := maybePgError(err); ok {
		return pgErr.Code == pgErrUniqueViolation
	}
	// sqlite reports constraint failures only through the message text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	if pgErr, ok := maybePgError(err); ok {
		return pgErr.Code == pgErrForeignKeyViolation
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
