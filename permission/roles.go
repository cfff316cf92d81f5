package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/shopguard/internal/stores"
)

// RoleStore is the durable state mutated by Roles.
type RoleStore interface {
	CreateRole(ctx context.Context, r stores.Role) (stores.Role, error)
	Role(ctx context.Context, id string) (stores.Role, error)
	RoleByCode(ctx context.Context, code string) (stores.Role, error)
	DeleteRole(ctx context.Context, id string) error
	RoleGrants(ctx context.Context, roleID string) ([]string, int64, error)
	EnsurePermissions(ctx context.Context, perms ...stores.Permission) error
	ListPermissions(ctx context.Context) ([]stores.Permission, error)
	AddGrant(ctx context.Context, roleID, code string) (int64, bool, error)
	RemoveGrant(ctx context.Context, roleID, code string) (int64, bool, error)
	ReplaceGrants(ctx context.Context, roleID string, codes []string) (int64, error)
	AssignRole(ctx context.Context, subjectID, roleID string) error
	SetOverrides(ctx context.Context, subjectID string, overrides stores.Overrides) error
}

// Change describes a committed role or profile mutation.
type Change struct {
	RoleID    string
	SubjectID string
	Op        string
	Code      string
	Version   int64
}

// Roles administers roles, grants and per-subject overrides. Every grant
// mutation that changes the grant set bumps the role version by exactly one.
type Roles struct {
	store    RoleStore
	log      *logrus.Logger
	onChange func(Change)
}

// RolesOption configures Roles.
type RolesOption func(*Roles)

// WithRolesLogger sets the logger.
func WithRolesLogger(l *logrus.Logger) RolesOption {
	return func(r *Roles) {
		if l != nil {
			r.log = l
		}
	}
}

// WithChangeHook is called after every committed mutation.
func WithChangeHook(fn func(Change)) RolesOption {
	return func(r *Roles) { r.onChange = fn }
}

// NewRoles returns a role administration service.
func NewRoles(store RoleStore, opts ...RolesOption) *Roles {
	r := &Roles{store: store, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterPermissions makes codes grantable. Existing codes are left alone.
func (r *Roles) RegisterPermissions(ctx context.Context, perms ...stores.Permission) error {
	for _, p := range perms {
		if err := ValidateCode(p.Code); err != nil {
			return err
		}
	}
	return r.store.EnsurePermissions(ctx, perms...)
}

// Permissions lists every registered permission.
func (r *Roles) Permissions(ctx context.Context) ([]stores.Permission, error) {
	return r.store.ListPermissions(ctx)
}

// Create adds a role. System roles cannot be deleted later.
func (r *Roles) Create(ctx context.Context, code, name string, system bool) (stores.Role, error) {
	if code == "" {
		return stores.Role{}, errors.New("permission: role code is required")
	}
	if name == "" {
		name = code
	}
	role, err := r.store.CreateRole(ctx, stores.Role{Code: code, Name: name, IsSystem: system})
	if errors.Is(err, stores.ErrConflict) {
		return stores.Role{}, fmt.Errorf("%w: %s", ErrRoleExists, code)
	}
	if err != nil {
		return stores.Role{}, err
	}
	r.changed(Change{RoleID: role.ID, Op: "create", Version: role.Version})
	return role, nil
}

// Delete removes a non-system role nobody holds.
func (r *Roles) Delete(ctx context.Context, roleID string) error {
	if err := mapStoreErr(r.store.DeleteRole(ctx, roleID)); err != nil {
		return err
	}
	r.changed(Change{RoleID: roleID, Op: "delete"})
	return nil
}

// Lookup finds a role by id or, failing that, by code.
func (r *Roles) Lookup(ctx context.Context, idOrCode string) (stores.Role, error) {
	role, err := r.store.Role(ctx, idOrCode)
	if errors.Is(err, stores.ErrNotFound) {
		role, err = r.store.RoleByCode(ctx, idOrCode)
	}
	if err != nil {
		return stores.Role{}, mapStoreErr(err)
	}
	return role, nil
}

// Grants returns a role and its sorted grant codes.
func (r *Roles) Grants(ctx context.Context, roleID string) (stores.Role, []string, error) {
	codes, version, err := r.store.RoleGrants(ctx, roleID)
	if err != nil {
		return stores.Role{}, nil, mapStoreErr(err)
	}
	role, err := r.store.Role(ctx, roleID)
	if err != nil {
		return stores.Role{}, nil, mapStoreErr(err)
	}
	role.Version = version
	return role, codes, nil
}

// Grant attaches code to a role and returns the resulting version.
func (r *Roles) Grant(ctx context.Context, roleID, code string) (int64, error) {
	if err := ValidateCode(code); err != nil {
		return 0, err
	}
	version, changed, err := r.store.AddGrant(ctx, roleID, code)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	if changed {
		r.changed(Change{RoleID: roleID, Op: "grant", Code: code, Version: version})
	}
	return version, nil
}

// Revoke detaches code from a role and returns the resulting version.
func (r *Roles) Revoke(ctx context.Context, roleID, code string) (int64, error) {
	version, changed, err := r.store.RemoveGrant(ctx, roleID, code)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	if changed {
		r.changed(Change{RoleID: roleID, Op: "revoke", Code: code, Version: version})
	}
	return version, nil
}

// Replace sets a role's grants to exactly codes.
func (r *Roles) Replace(ctx context.Context, roleID string, codes []string) (int64, error) {
	if err := validateCodes(codes); err != nil {
		return 0, err
	}
	version, err := r.store.ReplaceGrants(ctx, roleID, codes)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	r.changed(Change{RoleID: roleID, Op: "replace", Version: version})
	return version, nil
}

// Assign points an admin at a role.
func (r *Roles) Assign(ctx context.Context, subjectID, roleID string) error {
	if err := r.store.AssignRole(ctx, subjectID, roleID); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			if _, rerr := r.store.Role(ctx, roleID); errors.Is(rerr, stores.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrRoleNotFound, roleID)
			}
			return ErrNotAdmin
		}
		return mapStoreErr(err)
	}
	r.changed(Change{RoleID: roleID, SubjectID: subjectID, Op: "assign"})
	return nil
}

// SetOverrides replaces the per-subject additions and removals.
func (r *Roles) SetOverrides(ctx context.Context, subjectID string, add, remove []string) error {
	if err := validateCodes(add); err != nil {
		return err
	}
	if err := validateCodes(remove); err != nil {
		return err
	}
	err := r.store.SetOverrides(ctx, subjectID, stores.Overrides{Add: add, Remove: remove})
	if errors.Is(err, stores.ErrNotFound) {
		return ErrNotAdmin
	}
	if err != nil {
		return mapStoreErr(err)
	}
	r.changed(Change{SubjectID: subjectID, Op: "overrides"})
	return nil
}

func (r *Roles) changed(c Change) {
	r.log.WithFields(logrus.Fields{
		"role_id":    c.RoleID,
		"subject_id": c.SubjectID,
		"op":         c.Op,
		"code":       c.Code,
		"version":    c.Version,
	}).Info("role updated")
	if r.onChange != nil {
		r.onChange(c)
	}
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrUnknownPermission):
		return fmt.Errorf("%w: %v", ErrUnknownPermission, err)
	case errors.Is(err, stores.ErrSuperAdminImmutable):
		return ErrSuperAdminImmutable
	case errors.Is(err, stores.ErrSystemRole):
		return ErrSystemRole
	case errors.Is(err, stores.ErrConflict):
		return fmt.Errorf("%w: %v", ErrRoleInUse, err)
	case errors.Is(err, stores.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrRoleNotFound, err)
	default:
		return err
	}
}
