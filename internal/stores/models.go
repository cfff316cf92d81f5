package stores

import "time"

// SubjectKind discriminates administrators from customers.
type SubjectKind string

const (
	KindAdmin    SubjectKind = "ADMIN"
	KindCustomer SubjectKind = "CUSTOMER"
)

// DeletedIdentifierPrefix marks identifiers freed by a soft delete.
const DeletedIdentifierPrefix = "deleted:"

// Subject is a principal that can authenticate.
type Subject struct {
	ID           string
	Identifier   string
	PasswordHash string
	Kind         SubjectKind
	Active       bool
	Verified     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Overrides are per-subject additions and removals applied after role resolution.
type Overrides struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// AdminProfile extends an ADMIN subject. ProfileVersion increases whenever
// RoleID or Overrides change.
type AdminProfile struct {
	SubjectID      string
	RoleID         string
	IsSuperAdmin   bool
	Overrides      Overrides
	ProfileVersion int64
}

// Role is a named collection of grants. Version increases by one per grant mutation.
type Role struct {
	ID        string
	Code      string
	Name      string
	IsSystem  bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission is an atomic capability in resource:action form.
type Permission struct {
	ID          string
	Code        string
	Description string
}

// RefreshToken is the durable record of an issued refresh token.
// ParentTokenID is empty for the first token of a family.
type RefreshToken struct {
	ID            string
	SubjectID     string
	TokenHash     string
	FamilyID      string
	ParentTokenID string
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     *time.Time
	RevokedReason string
	CreatedAt     time.Time
}

// Values of RefreshToken.RevokedReason. Presenting a token revoked by rotation
// or by a reuse response is a replay; the other reasons end sessions on purpose.
const (
	RevokedRotated = "rotated"
	RevokedReuse   = "reuse"
	RevokedLogout  = "logout"
	RevokedSubject = "subject"
	RevokedAdmin   = "admin"
)

// Expired reports whether the record is past its expiry at now.
func (t RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
