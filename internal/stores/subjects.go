package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/shopguard/internal/ids"
)

const subjectColumns = `id, identifier, password_hash, kind, active, verified, created_at, updated_at`

func scanSubject(row interface{ Scan(...any) error }) (Subject, error) {
	var (
		sub  Subject
		kind string
	)
	err := row.Scan(&sub.ID, &sub.Identifier, &sub.PasswordHash, &kind, &sub.Active, &sub.Verified, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subject{}, ErrNotFound
	}
	if err != nil {
		return Subject{}, err
	}
	sub.Kind = SubjectKind(kind)
	return sub, nil
}

// CreateSubject inserts a subject. An empty ID is assigned.
func (s *Store) CreateSubject(ctx context.Context, sub Subject) (Subject, error) {
	if s.db == nil {
		return Subject{}, ErrUnavailable
	}
	if sub.ID == "" {
		sub.ID = ids.New()
	}
	if sub.Kind == "" {
		sub.Kind = KindCustomer
	}
	now := s.timestamp()
	sub.CreatedAt, sub.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, identifier, password_hash, kind, active, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sub.ID, sub.Identifier, sub.PasswordHash, string(sub.Kind), sub.Active, sub.Verified, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Subject{}, ErrConflict
		}
		return Subject{}, err
	}
	return sub, nil
}

// SubjectByID loads a subject by its durable id.
func (s *Store) SubjectByID(ctx context.Context, id string) (Subject, error) {
	if s.db == nil {
		return Subject{}, ErrUnavailable
	}
	return scanSubject(s.db.QueryRowContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, id))
}

// SubjectByIdentifier loads a subject by its unique (mutable) identifier.
func (s *Store) SubjectByIdentifier(ctx context.Context, identifier string) (Subject, error) {
	if s.db == nil {
		return Subject{}, ErrUnavailable
	}
	return scanSubject(s.db.QueryRowContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE identifier = $1`, identifier))
}

// SetSubjectActive toggles the active flag.
func (s *Store) SetSubjectActive(ctx context.Context, id string, active bool) error {
	return s.updateSubject(ctx, `UPDATE subjects SET active = $1, updated_at = $2 WHERE id = $3`, active, s.timestamp(), id)
}

// MarkSubjectVerified sets the verified flag.
func (s *Store) MarkSubjectVerified(ctx context.Context, id string) error {
	return s.updateSubject(ctx, `UPDATE subjects SET verified = TRUE, updated_at = $1 WHERE id = $2`, s.timestamp(), id)
}

// UpdatePasswordHash replaces the stored credential hash.
func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	return s.updateSubject(ctx, `UPDATE subjects SET password_hash = $1, updated_at = $2 WHERE id = $3`, hash, s.timestamp(), id)
}

func (s *Store) updateSubject(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return ErrUnavailable
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteSubject deactivates the subject and renames its identifier to
// deleted:{id}:{identifier} so the identifier can be registered again.
// Deleting an already deleted subject is a no-op.
func (s *Store) SoftDeleteSubject(ctx context.Context, id string) error {
	if s.db == nil {
		return ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var identifier string
	if err := tx.QueryRowContext(ctx, `SELECT identifier FROM subjects WHERE id = $1`, id).Scan(&identifier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if strings.HasPrefix(identifier, DeletedIdentifierPrefix) {
		return tx.Commit()
	}

	renamed := DeletedIdentifierPrefix + id + ":" + identifier
	if _, err := tx.ExecContext(ctx,
		`UPDATE subjects SET identifier = $1, active = FALSE, updated_at = $2 WHERE id = $3`,
		renamed, s.timestamp(), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAdminProfile attaches an admin profile to an existing subject.
func (s *Store) CreateAdminProfile(ctx context.Context, p AdminProfile) error {
	if s.db == nil {
		return ErrUnavailable
	}
	raw, err := json.Marshal(p.Overrides)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO admin_profiles (subject_id, role_id, is_super_admin, permission_overrides, profile_version)
		VALUES ($1, $2, $3, $4, 1)
	`, p.SubjectID, nullIfEmpty(p.RoleID), p.IsSuperAdmin, string(raw))
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return ErrConflict
	case isForeignKeyViolation(err):
		return ErrNotFound
	default:
		return err
	}
}

// AdminProfile loads the admin profile of a subject.
func (s *Store) AdminProfile(ctx context.Context, subjectID string) (AdminProfile, error) {
	if s.db == nil {
		return AdminProfile{}, ErrUnavailable
	}
	var (
		p      AdminProfile
		roleID sql.NullString
		raw    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, role_id, is_super_admin, permission_overrides, profile_version
		FROM admin_profiles
		WHERE subject_id = $1
	`, subjectID).Scan(&p.SubjectID, &roleID, &p.IsSuperAdmin, &raw, &p.ProfileVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminProfile{}, ErrNotFound
	}
	if err != nil {
		return AdminProfile{}, err
	}
	p.RoleID = roleID.String
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Overrides); err != nil {
			return AdminProfile{}, fmt.Errorf("decode overrides: %w", err)
		}
	}
	return p, nil
}

// AssignRole points an admin profile at another role and bumps profile_version.
func (s *Store) AssignRole(ctx context.Context, subjectID, roleID string) error {
	return s.mutateProfile(ctx, subjectID, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE id = $1`, roleID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
			}
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE admin_profiles SET role_id = $1, profile_version = profile_version + 1
			WHERE subject_id = $2
		`, roleID, subjectID)
		return err
	})
}

// SetOverrides replaces the override structure and bumps profile_version.
func (s *Store) SetOverrides(ctx context.Context, subjectID string, overrides Overrides) error {
	raw, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	return s.mutateProfile(ctx, subjectID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE admin_profiles SET permission_overrides = $1, profile_version = profile_version + 1
			WHERE subject_id = $2
		`, string(raw), subjectID)
		return err
	})
}

func (s *Store) mutateProfile(ctx context.Context, subjectID string, fn func(*sql.Tx) error) error {
	if s.db == nil {
		return ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var super bool
	if err := tx.QueryRowContext(ctx,
		`SELECT is_super_admin FROM admin_profiles WHERE subject_id = $1`, subjectID,
	).Scan(&super); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if super {
		return ErrSuperAdminImmutable
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
