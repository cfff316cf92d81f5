package shopguard

import (
	"errors"

	"github.com/MrEthical07/shopguard/otp"
	"github.com/MrEthical07/shopguard/permission"
	"github.com/MrEthical07/shopguard/ratelimit"
	"github.com/MrEthical07/shopguard/token"
)

// Errors returned by Core. Component sentinels are re-exported so callers can
// match every outcome with errors.Is against this package alone.
var (
	// ErrInvalidCredentials covers both unknown identifiers and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSubjectInactive    = errors.New("subject inactive")
	ErrSubjectUnverified  = errors.New("subject unverified")
	ErrSubjectExists      = errors.New("subject already exists")
	ErrSubjectNotFound    = errors.New("subject not found")
	ErrEngineNotReady     = errors.New("core not initialized")
	ErrBackendUnavailable = errors.New("security backend unavailable")
	ErrPasswordPolicy     = errors.New("password policy violation")

	ErrInvalidToken       = token.ErrInvalid
	ErrExpiredToken       = token.ErrExpired
	ErrTokenReuseDetected = token.ErrReuseDetected
	ErrTokenRevoked       = token.ErrRevoked

	ErrOTPInvalid          = otp.ErrInvalid
	ErrOTPExpired          = otp.ErrExpired
	ErrOTPAttemptsExceeded = otp.ErrAttemptsExceeded
	ErrOTPCooldownActive   = otp.ErrCooldownActive

	ErrRateLimitExceeded = ratelimit.ErrExceeded

	ErrPermissionDenied      = permission.ErrPermissionDenied
	ErrRoleNotFound          = permission.ErrRoleNotFound
	ErrSuperAdminImmutable   = permission.ErrSuperAdminImmutable
	ErrSystemRole            = permission.ErrSystemRole
	ErrInvalidPermissionCode = permission.ErrInvalidCode
)

// backendErr tags infrastructure failures so callers can tell them from
// decisions. The original error stays in the chain.
func backendErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return errors.Join(ErrBackendUnavailable, err)
}
