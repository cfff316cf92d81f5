package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const refreshColumns = `id, subject_id, token_hash, family_id, parent_token_id, expires_at, revoked, revoked_at, revoked_reason, created_at`

func scanRefreshToken(row interface{ Scan(...any) error }) (RefreshToken, error) {
	var (
		t         RefreshToken
		parent    sql.NullString
		revokedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.SubjectID, &t.TokenHash, &t.FamilyID, &parent, &t.ExpiresAt, &t.Revoked, &revokedAt, &t.RevokedReason, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	t.ParentTokenID = parent.String
	if revokedAt.Valid {
		at := revokedAt.Time
		t.RevokedAt = &at
	}
	return t, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, db execer, t RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, subject_id, token_hash, family_id, parent_token_id, expires_at, revoked, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NULL, $7)
	`, t.ID, t.SubjectID, t.TokenHash, t.FamilyID, nullIfEmpty(t.ParentTokenID), t.ExpiresAt.UTC(), t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// CreateRefreshToken persists the first record of a new family.
// ID, FamilyID and TokenHash must be set by the caller.
func (s *Store) CreateRefreshToken(ctx context.Context, t RefreshToken) (RefreshToken, error) {
	if s.db == nil {
		return RefreshToken{}, ErrUnavailable
	}
	t.CreatedAt = s.timestamp()
	t.Revoked = false
	t.RevokedAt = nil
	t.RevokedReason = ""
	if err := insertRefreshToken(ctx, s.db, t); err != nil {
		return RefreshToken{}, err
	}
	return t, nil
}

// RefreshTokenByHash loads a record by the hash of its signed token.
func (s *Store) RefreshTokenByHash(ctx context.Context, hash string) (RefreshToken, error) {
	if s.db == nil {
		return RefreshToken{}, ErrUnavailable
	}
	return scanRefreshToken(s.db.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = $1`, hash))
}

// RotateRefreshToken revokes oldID and inserts next in one transaction.
// If oldID was already revoked (by an earlier or concurrent rotation) nothing is
// written and ErrTokenRevoked is returned.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, next RefreshToken) (RefreshToken, error) {
	if s.db == nil {
		return RefreshToken{}, ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RefreshToken{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.timestamp()
	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $1, revoked_reason = $2 WHERE id = $3 AND revoked = FALSE`,
		now, RevokedRotated, oldID,
	)
	if err != nil {
		return RefreshToken{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RefreshToken{}, err
	}
	if n != 1 {
		return RefreshToken{}, ErrTokenRevoked
	}

	next.ParentTokenID = oldID
	next.CreatedAt = now
	next.Revoked = false
	next.RevokedAt = nil
	next.RevokedReason = ""
	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return RefreshToken{}, err
	}
	if err := tx.Commit(); err != nil {
		return RefreshToken{}, err
	}
	return next, nil
}

// RevokeRefreshToken revokes a single record on logout. Revoking twice is not an error.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	if s.db == nil {
		return ErrUnavailable
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $1, revoked_reason = $2 WHERE id = $3 AND revoked = FALSE`,
		s.timestamp(), RevokedLogout, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM refresh_tokens WHERE id = $1`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// RevokeFamily revokes every live record of a family and returns how many changed.
// reason is RevokedReuse or RevokedAdmin.
func (s *Store) RevokeFamily(ctx context.Context, familyID, reason string) (int64, error) {
	if s.db == nil {
		return 0, ErrUnavailable
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $1, revoked_reason = $2 WHERE family_id = $3 AND revoked = FALSE`,
		s.timestamp(), reason, familyID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RevokeSubjectTokens revokes every live record owned by a subject, as done by
// logout-all, deactivation, deletion and password reset.
func (s *Store) RevokeSubjectTokens(ctx context.Context, subjectID string) (int64, error) {
	if s.db == nil {
		return 0, ErrUnavailable
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $1, revoked_reason = $2 WHERE subject_id = $3 AND revoked = FALSE`,
		s.timestamp(), RevokedSubject, subjectID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredRefreshTokens purges records that expired before the cutoff.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, ErrUnavailable
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FamilyTokens lists every record of a family oldest first.
func (s *Store) FamilyTokens(ctx context.Context, familyID string) ([]RefreshToken, error) {
	if s.db == nil {
		return nil, ErrUnavailable
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE family_id = $1 ORDER BY created_at, id`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RefreshToken
	for rows.Next() {
		t, err := scanRefreshToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
