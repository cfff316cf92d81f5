package shopguard

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/shopguard/internal/stores"
	"github.com/MrEthical07/shopguard/otp"
	"github.com/MrEthical07/shopguard/password"
	"github.com/MrEthical07/shopguard/ratelimit"
)

// Authenticate verifies credentials and issues a new token pair. Unknown
// identifiers and wrong passwords are indistinguishable to the caller.
func (c *Core) Authenticate(ctx context.Context, cred Credentials) (TokenPair, error) {
	if cred.Identifier == "" || cred.Password == "" {
		return TokenPair{}, ErrInvalidCredentials
	}

	if err := c.Throttle(ctx, cred.Identifier, ratelimit.ActionLogin); err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			c.metrics.Inc(MetricLoginRateLimited)
			c.emit(ctx, AuditLoginRateLimited, "", false, err, map[string]string{"identifier": cred.Identifier})
		}
		return TokenPair{}, err
	}

	sub, err := c.store.SubjectByIdentifier(ctx, cred.Identifier)
	if errors.Is(err, stores.ErrNotFound) {
		c.hasher.VerifyDummy(cred.Password)
		return TokenPair{}, c.loginFailed(ctx, "", ErrInvalidCredentials)
	}
	if err != nil {
		return TokenPair{}, backendErr(err)
	}

	ok, err := c.hasher.Verify(cred.Password, sub.PasswordHash)
	if err != nil {
		c.log.WithError(err).WithField("subject_id", sub.ID).Error("stored password hash unreadable")
	}
	if !ok {
		return TokenPair{}, c.loginFailed(ctx, sub.ID, ErrInvalidCredentials)
	}
	if !sub.Active {
		return TokenPair{}, c.loginFailed(ctx, sub.ID, ErrSubjectInactive)
	}
	if c.config.Account.RequireVerified && !sub.Verified {
		return TokenPair{}, c.loginFailed(ctx, sub.ID, ErrSubjectUnverified)
	}

	pair, err := c.tokens.Issue(ctx, sub.ID)
	if err != nil {
		return TokenPair{}, backendErr(err)
	}

	if c.config.RateLimit.ResetOnLoginSuccess {
		if err := c.limiter.Reset(ctx, cred.Identifier, ratelimit.ActionLogin); err != nil {
			c.log.WithError(err).WithField("subject_id", sub.ID).Warn("login window reset failed")
		}
	}
	c.upgradeHash(ctx, sub, cred.Password)

	c.metrics.Inc(MetricLoginSuccess)
	c.metrics.Inc(MetricTokenIssued)
	c.emit(ctx, AuditLoginSuccess, sub.ID, true, nil, map[string]string{"family_id": pair.FamilyID})
	return pair, nil
}

func (c *Core) loginFailed(ctx context.Context, subjectID string, reason error) error {
	c.metrics.Inc(MetricLoginFailure)
	c.emit(ctx, AuditLoginFailure, subjectID, false, reason, nil)
	return reason
}

// upgradeHash re-hashes a verified password stored under weaker parameters.
func (c *Core) upgradeHash(ctx context.Context, sub Subject, plain string) {
	stale, err := c.hasher.NeedsRehash(sub.PasswordHash)
	if err != nil || !stale {
		return
	}
	hash, err := c.hasher.Hash(plain)
	if err != nil {
		return
	}
	if err := c.store.UpdatePasswordHash(ctx, sub.ID, hash); err != nil {
		c.log.WithError(err).WithField("subject_id", sub.ID).Warn("password rehash failed")
	}
}

// Register creates an unverified CUSTOMER subject. Attempts are throttled per
// client IP, or per identifier when no IP is attached to ctx.
func (c *Core) Register(ctx context.Context, identifier, plainPassword string) (Subject, error) {
	if identifier == "" {
		return Subject{}, ErrInvalidCredentials
	}
	throttleKey := ClientIPFromContext(ctx)
	if throttleKey == "" {
		throttleKey = identifier
	}
	if err := c.Throttle(ctx, throttleKey, ratelimit.ActionRegistration); err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			c.metrics.Inc(MetricRegistrationRateLimited)
		}
		return Subject{}, err
	}

	hash, err := c.hashPassword(plainPassword)
	if err != nil {
		return Subject{}, err
	}
	sub, err := c.store.CreateSubject(ctx, stores.Subject{
		Identifier:   identifier,
		PasswordHash: hash,
		Kind:         stores.KindCustomer,
		Active:       true,
	})
	if errors.Is(err, stores.ErrConflict) {
		return Subject{}, ErrSubjectExists
	}
	if err != nil {
		return Subject{}, backendErr(err)
	}

	c.metrics.Inc(MetricRegistration)
	c.emit(ctx, AuditRegistration, sub.ID, true, nil, nil)
	return sub, nil
}

// CreateAdmin creates an active, verified ADMIN subject with its profile.
func (c *Core) CreateAdmin(ctx context.Context, req AdminSpec) (Subject, error) {
	if req.Identifier == "" {
		return Subject{}, ErrInvalidCredentials
	}
	if req.IsSuperAdmin && req.RoleID != "" {
		return Subject{}, errors.New("super admin cannot hold a role")
	}
	hash, err := c.hashPassword(req.Password)
	if err != nil {
		return Subject{}, err
	}
	sub, err := c.store.CreateSubject(ctx, stores.Subject{
		Identifier:   req.Identifier,
		PasswordHash: hash,
		Kind:         stores.KindAdmin,
		Active:       true,
		Verified:     true,
	})
	if errors.Is(err, stores.ErrConflict) {
		return Subject{}, ErrSubjectExists
	}
	if err != nil {
		return Subject{}, backendErr(err)
	}

	err = c.store.CreateAdminProfile(ctx, stores.AdminProfile{
		SubjectID:    sub.ID,
		RoleID:       req.RoleID,
		IsSuperAdmin: req.IsSuperAdmin,
		Overrides:    req.Overrides,
	})
	if err != nil {
		// leave no half-created admin behind
		if derr := c.store.SoftDeleteSubject(ctx, sub.ID); derr != nil {
			c.log.WithError(derr).WithField("subject_id", sub.ID).Error("cleanup of partial admin failed")
		}
		if errors.Is(err, stores.ErrNotFound) {
			return Subject{}, fmt.Errorf("%w: %s", ErrRoleNotFound, req.RoleID)
		}
		return Subject{}, backendErr(err)
	}
	return sub, nil
}

func (c *Core) hashPassword(plain string) (string, error) {
	hash, err := c.hasher.Hash(plain)
	if errors.Is(err, password.ErrTooShort) {
		return "", fmt.Errorf("%w: at least %d characters required", ErrPasswordPolicy, c.config.Password.MinLength)
	}
	return hash, err
}

/*
====================================
ONE-TIME CODES
====================================
*/

// RequestOTP throttles resend requests, then issues a code for delivery by
// the caller. The plaintext code is returned exactly once and never logged.
func (c *Core) RequestOTP(ctx context.Context, identifier string, purpose OTPPurpose) (string, error) {
	if err := c.Throttle(ctx, identifier, ratelimit.ActionOTPResend); err != nil {
		return "", err
	}
	code, err := c.otp.Generate(ctx, identifier, purpose)
	switch {
	case err == nil:
	case errors.Is(err, otp.ErrCooldownActive):
		c.metrics.Inc(MetricOTPCooldown)
		return "", err
	case errors.Is(err, otp.ErrUnavailable):
		return "", backendErr(err)
	default:
		return "", err
	}
	c.metrics.Inc(MetricOTPGenerated)
	c.emit(ctx, AuditOTPRequested, "", true, nil, map[string]string{
		"identifier": identifier,
		"purpose":    string(purpose),
	})
	return code, nil
}

func (c *Core) verifyOTP(ctx context.Context, identifier string, purpose OTPPurpose, code string) error {
	err := c.otp.Verify(ctx, identifier, purpose, code)
	meta := map[string]string{"identifier": identifier, "purpose": string(purpose)}
	switch {
	case err == nil:
		c.metrics.Inc(MetricOTPVerified)
		c.emit(ctx, AuditOTPVerified, "", true, nil, meta)
		return nil
	case errors.Is(err, otp.ErrUnavailable):
		return backendErr(err)
	case errors.Is(err, otp.ErrAttemptsExceeded):
		c.metrics.Inc(MetricOTPAttemptsExceeded)
	}
	c.metrics.Inc(MetricOTPFailed)
	c.emit(ctx, AuditOTPFailed, "", false, err, meta)
	return err
}

// VerifyEmail consumes an email verification code and marks the subject verified.
func (c *Core) VerifyEmail(ctx context.Context, identifier, code string) error {
	if err := c.verifyOTP(ctx, identifier, PurposeEmailVerification, code); err != nil {
		return err
	}
	sub, err := c.subjectByIdentifier(ctx, identifier)
	if err != nil {
		return err
	}
	if err := c.store.MarkSubjectVerified(ctx, sub.ID); err != nil {
		return backendErr(err)
	}
	return nil
}

// ResetPassword consumes a password reset code, stores the new hash and
// revokes every refresh token of the subject.
func (c *Core) ResetPassword(ctx context.Context, identifier, code, newPassword string) error {
	// reject policy violations before the code is spent
	hash, err := c.hashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := c.verifyOTP(ctx, identifier, PurposePasswordReset, code); err != nil {
		return err
	}
	sub, err := c.subjectByIdentifier(ctx, identifier)
	if err != nil {
		return err
	}
	if err := c.store.UpdatePasswordHash(ctx, sub.ID, hash); err != nil {
		return backendErr(err)
	}
	revoked, err := c.tokens.RevokeAll(ctx, sub.ID)
	if err != nil {
		return backendErr(err)
	}
	if err := c.limiter.Reset(ctx, identifier, ratelimit.ActionLogin); err != nil {
		c.log.WithError(err).WithField("subject_id", sub.ID).Warn("login window reset failed")
	}

	c.metrics.Inc(MetricPasswordReset)
	c.log.WithFields(logrus.Fields{"subject_id": sub.ID, "revoked": revoked}).Info("password reset")
	c.emit(ctx, AuditPasswordReset, sub.ID, true, nil, map[string]string{"revoked": fmt.Sprint(revoked)})
	return nil
}

/*
====================================
SUBJECT LIFECYCLE
====================================
*/

// DeactivateSubject blocks future logins and revokes every refresh token.
// Access tokens already issued stay valid until they expire.
func (c *Core) DeactivateSubject(ctx context.Context, subjectID string) error {
	if err := c.store.SetSubjectActive(ctx, subjectID, false); err != nil {
		return c.subjectErr(err)
	}
	revoked, err := c.tokens.RevokeAll(ctx, subjectID)
	if err != nil {
		return backendErr(err)
	}
	c.metrics.Inc(MetricSubjectDeactivated)
	c.emit(ctx, AuditSubjectDeactivated, subjectID, true, nil, map[string]string{"revoked": fmt.Sprint(revoked)})
	return nil
}

// DeleteSubject soft-deletes a subject, freeing its identifier, and revokes
// every refresh token.
func (c *Core) DeleteSubject(ctx context.Context, subjectID string) error {
	if err := c.store.SoftDeleteSubject(ctx, subjectID); err != nil {
		return c.subjectErr(err)
	}
	revoked, err := c.tokens.RevokeAll(ctx, subjectID)
	if err != nil {
		return backendErr(err)
	}
	c.metrics.Inc(MetricSubjectDeleted)
	c.emit(ctx, AuditSubjectDeleted, subjectID, true, nil, map[string]string{"revoked": fmt.Sprint(revoked)})
	return nil
}

// Subject loads a subject by id.
func (c *Core) Subject(ctx context.Context, subjectID string) (Subject, error) {
	sub, err := c.store.SubjectByID(ctx, subjectID)
	if err != nil {
		return Subject{}, c.subjectErr(err)
	}
	return sub, nil
}

func (c *Core) subjectByIdentifier(ctx context.Context, identifier string) (Subject, error) {
	sub, err := c.store.SubjectByIdentifier(ctx, identifier)
	if err != nil {
		return Subject{}, c.subjectErr(err)
	}
	return sub, nil
}

func (c *Core) subjectErr(err error) error {
	if errors.Is(err, stores.ErrNotFound) {
		return ErrSubjectNotFound
	}
	return backendErr(err)
}
