package permission

import "errors"

var (
	// ErrRoleNotFound means a profile references a role that does not exist.
	// It indicates corrupt reference data and is never mapped to an empty set.
	ErrRoleNotFound        = errors.New("permission: role not found")
	ErrPermissionDenied    = errors.New("permission: denied")
	ErrInvalidCode         = errors.New("permission: invalid permission code")
	ErrUnknownPermission   = errors.New("permission: unknown permission code")
	ErrSuperAdminImmutable = errors.New("permission: super admin cannot be modified")
	ErrSystemRole          = errors.New("permission: system role cannot be deleted")
	ErrRoleInUse           = errors.New("permission: role is still assigned")
	ErrRoleExists          = errors.New("permission: role code already exists")
	ErrNotAdmin            = errors.New("permission: subject has no admin profile")
)
