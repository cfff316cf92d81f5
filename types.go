package shopguard

import (
	"github.com/MrEthical07/shopguard/internal/stores"
	"github.com/MrEthical07/shopguard/otp"
	"github.com/MrEthical07/shopguard/permission"
	"github.com/MrEthical07/shopguard/token"
)

type (
	// Subject is an authenticating principal.
	Subject = stores.Subject
	// SubjectKind is ADMIN or CUSTOMER.
	SubjectKind = stores.SubjectKind
	// Overrides are per-admin permission additions and removals.
	Overrides = stores.Overrides
	// Role is a versioned set of grants.
	Role = stores.Role
	// Permission is a registered resource:action code.
	Permission = stores.Permission
	// TokenPair is an issued access/refresh pair.
	TokenPair = token.Pair
	// AccessClaims are the verified contents of an access token.
	AccessClaims = token.Claims
	// PermissionSet is a resolved effective permission set.
	PermissionSet = permission.Set
	// OTPPurpose scopes a one-time code.
	OTPPurpose = otp.Purpose
)

const (
	KindAdmin    = stores.KindAdmin
	KindCustomer = stores.KindCustomer

	PurposeEmailVerification = otp.PurposeEmailVerification
	PurposePasswordReset     = otp.PurposePasswordReset
)

// Credentials are an already-extracted identifier and password.
type Credentials struct {
	Identifier string
	Password   string
}

// AdminSpec describes an administrator created through CreateAdmin.
type AdminSpec struct {
	Identifier   string
	Password     string
	RoleID       string
	IsSuperAdmin bool
	Overrides    Overrides
}
