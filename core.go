package shopguard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/shopguard/internal/stores"
	"github.com/MrEthical07/shopguard/otp"
	"github.com/MrEthical07/shopguard/password"
	"github.com/MrEthical07/shopguard/permission"
	"github.com/MrEthical07/shopguard/ratelimit"
	"github.com/MrEthical07/shopguard/token"
)

// Core is the security facade handed to request handlers. It is safe for
// concurrent use once built.
type Core struct {
	config   Config
	store    *stores.Store
	tokens   *token.Service
	otp      *otp.Service
	limiter  *ratelimit.Limiter
	resolver *permission.Resolver
	roles    *permission.Roles
	hasher   *password.Hasher
	audit    *auditDispatcher
	metrics  *Metrics
	log      *logrus.Logger
	now      func() time.Time
}

// Close flushes pending audit events. Database and Redis handles belong to
// the caller and stay open.
func (c *Core) Close() {
	if c == nil {
		return
	}
	c.audit.Close()
}

// Migrate applies pending schema migrations.
func (c *Core) Migrate(ctx context.Context) error {
	if c == nil {
		return ErrEngineNotReady
	}
	return c.store.Migrate(ctx)
}

func (c *Core) AuditDropped() uint64 {
	if c == nil {
		return 0
	}
	return c.audit.Dropped()
}

// AuditDroppedByType breaks AuditDropped down by event type.
func (c *Core) AuditDroppedByType() map[string]uint64 {
	if c == nil {
		return map[string]uint64{}
	}
	return c.audit.DroppedByType()
}

func (c *Core) MetricsSnapshot() MetricsSnapshot {
	if c == nil {
		return (*Metrics)(nil).Snapshot()
	}
	return c.metrics.Snapshot()
}

// Config returns a copy of the active configuration.
func (c *Core) Config() Config { return c.config }

// Roles returns the role and grant administration service.
func (c *Core) Roles() *permission.Roles { return c.roles }

// Limiter exposes the rate limiter for operator tooling.
func (c *Core) Limiter() *ratelimit.Limiter { return c.limiter }

// Tokens exposes the token service for operator tooling.
func (c *Core) Tokens() *token.Service { return c.tokens }

// Store exposes the durable store for operator tooling.
func (c *Core) Store() *stores.Store { return c.store }

/*
====================================
COLLABORATOR FUNCTIONS
====================================
*/

// Throttle records one attempt of action for identifier against the
// configured policy. Exhausted budgets return a *ratelimit.ExceededError,
// which matches ErrRateLimitExceeded.
func (c *Core) Throttle(ctx context.Context, identifier, action string) error {
	policy, ok := c.config.RateLimit.Policy(action)
	if !ok {
		return fmt.Errorf("unknown rate limit action %q", action)
	}
	_, err := c.limiter.CheckPolicy(ctx, identifier, action, policy)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ratelimit.ErrExceeded):
		c.metrics.Inc(MetricRateLimitHit)
		return err
	default:
		return backendErr(err)
	}
}

// Permissions resolves the effective permission set of subjectID.
func (c *Core) Permissions(ctx context.Context, subjectID string) (PermissionSet, error) {
	set, err := c.resolver.Resolve(ctx, subjectID)
	if err != nil {
		if errors.Is(err, permission.ErrRoleNotFound) {
			return PermissionSet{}, err
		}
		return PermissionSet{}, backendErr(err)
	}
	return set, nil
}

// Authorize returns nil when subjectID holds every code, otherwise an error
// matching ErrPermissionDenied that names the missing codes.
func (c *Core) Authorize(ctx context.Context, subjectID string, codes ...string) error {
	start := time.Now()
	defer func() { c.metrics.Observe(MetricAuthorizeLatency, time.Since(start)) }()

	set, err := c.Permissions(ctx, subjectID)
	if err != nil {
		return err
	}
	missing := set.Missing(codes...)
	if len(missing) == 0 {
		return nil
	}
	c.metrics.Inc(MetricPermissionDenied)
	c.emit(ctx, AuditPermissionDenied, subjectID, false, nil, map[string]string{
		"missing": strings.Join(missing, ","),
	})
	return fmt.Errorf("%w: missing %s", ErrPermissionDenied, strings.Join(missing, ", "))
}

// VerifyAccess checks an access token's signature, type and expiry. It does
// not consult the store.
func (c *Core) VerifyAccess(ctx context.Context, accessToken string) (AccessClaims, error) {
	claims, err := c.tokens.VerifyAccess(accessToken)
	if err != nil {
		c.metrics.Inc(MetricAccessVerifyFailure)
		return AccessClaims{}, err
	}
	return claims, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated revokes its whole family and returns ErrTokenReuseDetected; a token
// ended by logout or by subject lifecycle returns ErrTokenRevoked. The owner
// is re-read on every rotation, so an inactive, deleted or (when required)
// unverified subject loses all of its sessions here.
func (c *Core) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	pair, err := c.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		c.metrics.Inc(MetricRefreshFailure)
		switch {
		case errors.Is(err, token.ErrReuseDetected),
			errors.Is(err, token.ErrRevoked),
			errors.Is(err, token.ErrInvalid),
			errors.Is(err, token.ErrExpired),
			errors.Is(err, token.ErrSubjectBlocked):
			return TokenPair{}, err
		}
		return TokenPair{}, backendErr(err)
	}
	c.metrics.Inc(MetricRefreshSuccess)
	c.metrics.Inc(MetricTokenIssued)
	c.emit(ctx, AuditRefreshSuccess, pair.SubjectID, true, nil, map[string]string{"family_id": pair.FamilyID})
	return pair, nil
}

// Logout revokes one refresh token. Other sessions of the subject survive.
func (c *Core) Logout(ctx context.Context, refreshToken string) error {
	rec, err := c.tokens.Revoke(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrInvalid) {
			return err
		}
		return backendErr(err)
	}
	c.metrics.Inc(MetricLogout)
	c.emit(ctx, AuditLogout, rec.SubjectID, true, nil, map[string]string{"family_id": rec.FamilyID})
	return nil
}

// LogoutAll revokes every refresh token of subjectID.
func (c *Core) LogoutAll(ctx context.Context, subjectID string) (int64, error) {
	n, err := c.tokens.RevokeAll(ctx, subjectID)
	if err != nil {
		return 0, backendErr(err)
	}
	c.metrics.Inc(MetricLogoutAll)
	c.emit(ctx, AuditLogout, subjectID, true, nil, map[string]string{
		"scope":   "all",
		"revoked": fmt.Sprint(n),
	})
	return n, nil
}

/*
====================================
HOOKS
====================================
*/

func (c *Core) onTokenReuse(e token.ReuseEvent) {
	c.metrics.Inc(MetricRefreshReuseDetected)
	c.emit(context.Background(), AuditRefreshReuseDetected, e.SubjectID, false, token.ErrReuseDetected, map[string]string{
		"family_id":      e.FamilyID,
		"revoked":        fmt.Sprint(e.Revoked),
		"revoked_reason": e.Reason,
	})
}

// refreshAllowed is the token service's subject check.
func (c *Core) refreshAllowed(ctx context.Context, subjectID string) error {
	sub, err := c.store.SubjectByID(ctx, subjectID)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		return errors.Join(token.ErrSubjectBlocked, ErrSubjectNotFound)
	case err != nil:
		return backendErr(err)
	case !sub.Active, strings.HasPrefix(sub.Identifier, stores.DeletedIdentifierPrefix):
		return errors.Join(token.ErrSubjectBlocked, ErrSubjectInactive)
	case c.config.Account.RequireVerified && !sub.Verified:
		return errors.Join(token.ErrSubjectBlocked, ErrSubjectUnverified)
	}
	return nil
}

func (c *Core) onRoleChange(ch permission.Change) {
	c.metrics.Inc(MetricRoleMutation)
	meta := map[string]string{"op": ch.Op}
	if ch.RoleID != "" {
		meta["role_id"] = ch.RoleID
	}
	if ch.Code != "" {
		meta["code"] = ch.Code
	}
	if ch.Version > 0 {
		meta["version"] = fmt.Sprint(ch.Version)
	}
	c.emit(context.Background(), AuditRoleUpdated, ch.SubjectID, true, nil, meta)
}

func (c *Core) emit(ctx context.Context, eventType, subjectID string, success bool, err error, meta map[string]string) {
	if c.audit == nil {
		return
	}
	ev := AuditEvent{
		Timestamp: c.now().UTC(),
		EventType: eventType,
		SubjectID: subjectID,
		IP:        ClientIPFromContext(ctx),
		Success:   success,
		Metadata:  meta,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.audit.Emit(ctx, ev)
}
