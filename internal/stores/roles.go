package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MrEthical07/shopguard/internal/ids"
)

const roleColumns = `id, code, name, is_system, version, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Code, &r.Name, &r.IsSystem, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	return r, nil
}

// CreateRole inserts a role at version 1.
func (s *Store) CreateRole(ctx context.Context, r Role) (Role, error) {
	if s.db == nil {
		return Role{}, ErrUnavailable
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	now := s.timestamp()
	r.Version = 1
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (id, code, name, is_system, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.Code, r.Name, r.IsSystem, r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrConflict
		}
		return Role{}, err
	}
	return r, nil
}

// Role loads a role by id.
func (s *Store) Role(ctx context.Context, id string) (Role, error) {
	if s.db == nil {
		return Role{}, ErrUnavailable
	}
	return scanRole(s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

// RoleByCode loads a role by its unique code.
func (s *Store) RoleByCode(ctx context.Context, code string) (Role, error) {
	if s.db == nil {
		return Role{}, ErrUnavailable
	}
	return scanRole(s.db.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE code = $1`, code))
}

// DeleteRole removes a non-system role that no admin profile references.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var system bool
	if err := tx.QueryRowContext(ctx, `SELECT is_system FROM roles WHERE id = $1`, id).Scan(&system); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if system {
		return ErrSystemRole
	}

	var holders int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_profiles WHERE role_id = $1`, id).Scan(&holders); err != nil {
		return err
	}
	if holders > 0 {
		return fmt.Errorf("%w: role %s is assigned to %d admins", ErrConflict, id, holders)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// RoleGrants returns the sorted permission codes granted to a role together
// with the role version they were read at.
func (s *Store) RoleGrants(ctx context.Context, roleID string) ([]string, int64, error) {
	if s.db == nil {
		return nil, 0, ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM roles WHERE id = $1`, roleID).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT p.code
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.code
	`, roleID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	codes := make([]string, 0, 8)
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, 0, err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return codes, version, tx.Commit()
}

// EnsurePermissions creates any missing permission codes. Existing codes keep their description.
func (s *Store) EnsurePermissions(ctx context.Context, perms ...Permission) error {
	if s.db == nil {
		return ErrUnavailable
	}
	if len(perms) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (id, code, description)
			VALUES ($1, $2, $3)
			ON CONFLICT (code) DO NOTHING
		`, id, p.Code, p.Description); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListPermissions returns every known permission ordered by code.
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	if s.db == nil {
		return nil, ErrUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, code, description FROM permissions ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Description); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddGrant attaches code to the role. The role version is bumped only when
// the grant set actually changed. The permission must already exist.
func (s *Store) AddGrant(ctx context.Context, roleID, code string) (int64, bool, error) {
	return s.mutateGrants(ctx, roleID, func(tx *sql.Tx) (bool, error) {
		permID, err := permissionID(ctx, tx, code)
		if err != nil {
			return false, err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO role_permissions (role_id, permission_id)
			VALUES ($1, $2)
			ON CONFLICT (role_id, permission_id) DO NOTHING
		`, roleID, permID)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n > 0, err
	})
}

// RemoveGrant detaches code from the role, bumping the version when a row was removed.
func (s *Store) RemoveGrant(ctx context.Context, roleID, code string) (int64, bool, error) {
	return s.mutateGrants(ctx, roleID, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM role_permissions
			WHERE role_id = $1
			  AND permission_id IN (SELECT id FROM permissions WHERE code = $2)
		`, roleID, code)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n > 0, err
	})
}

// ReplaceGrants sets the role's grants to exactly codes. It always bumps the version.
func (s *Store) ReplaceGrants(ctx context.Context, roleID string, codes []string) (int64, error) {
	uniq := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		uniq[c] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for c := range uniq {
		sorted = append(sorted, c)
	}
	sort.Strings(sorted)

	version, _, err := s.mutateGrants(ctx, roleID, func(tx *sql.Tx) (bool, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return false, err
		}
		for _, code := range sorted {
			permID, err := permissionID(ctx, tx, code)
			if err != nil {
				return false, err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`,
				roleID, permID,
			); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	return version, err
}

// mutateGrants runs fn and the version bump in one transaction. When fn reports
// no change the current version is returned untouched.
func (s *Store) mutateGrants(ctx context.Context, roleID string, fn func(*sql.Tx) (bool, error)) (int64, bool, error) {
	if s.db == nil {
		return 0, false, ErrUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM roles WHERE id = $1`, roleID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrNotFound
		}
		return 0, false, err
	}

	changed, err := fn(tx)
	if err != nil {
		return 0, false, err
	}
	if !changed {
		return current, false, tx.Commit()
	}

	next, err := bumpRoleVersion(ctx, tx, roleID, s.timestamp())
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return next, true, nil
}

// bumpRoleVersion increments inside the database so concurrent editors cannot lose an update.
func bumpRoleVersion(ctx context.Context, tx *sql.Tx, roleID string, now time.Time) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx,
		`UPDATE roles SET version = version + 1, updated_at = $1 WHERE id = $2 RETURNING version`,
		now, roleID,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return next, err
}

func permissionID(ctx context.Context, tx *sql.Tx, code string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM permissions WHERE code = $1`, code).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPermission, code)
	}
	return id, err
}
