package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/MrEthical07/shopguard/internal/stores"
)

// Store is the durable state the resolver reads.
type Store interface {
	AdminProfile(ctx context.Context, subjectID string) (stores.AdminProfile, error)
	Role(ctx context.Context, id string) (stores.Role, error)
	RoleGrants(ctx context.Context, roleID string) ([]string, int64, error)
}

// Hooks receive resolver events, typically wired to metrics.
type Hooks struct {
	CacheHit     func()
	CacheMiss    func()
	RoleNotFound func()
}

// CacheKey returns the Redis key of a memoized set.
func CacheKey(subjectID string, roleVersion int64) string {
	return "permissions:" + subjectID + ":" + strconv.FormatInt(roleVersion, 10)
}

type cacheEntry struct {
	RoleID         string   `json:"role_id"`
	ProfileVersion int64    `json:"profile_version"`
	All            bool     `json:"all,omitempty"`
	Codes          []string `json:"codes"`
}

type grantKey struct {
	roleID  string
	version int64
}

// Resolver computes effective permission sets. It is safe for concurrent use.
type Resolver struct {
	store    Store
	redis    redis.UniversalClient
	cacheTTL time.Duration
	log      *logrus.Logger
	hooks    Hooks

	// computeTimeout bounds a shared recomputation, which outlives any one caller.
	computeTimeout time.Duration

	grants *lru.LRU[grantKey, []string]
	group  singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCacheTTL sets the Redis TTL of resolved sets.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithComputeTimeout bounds a store recomputation shared by concurrent misses.
func WithComputeTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.computeTimeout = d
		}
	}
}

// WithLogger sets the logger used for data-integrity and cache errors.
func WithLogger(l *logrus.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithHooks installs event callbacks.
func WithHooks(h Hooks) ResolverOption {
	return func(r *Resolver) { r.hooks = h }
}

// WithGrantCache enables a process-local memo of role grants keyed by
// (role id, role version). Keys include the version, so entries never go stale.
func WithGrantCache(size int, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if size > 0 {
			r.grants = lru.NewLRU[grantKey, []string](size, nil, ttl)
		}
	}
}

// NewResolver returns a Resolver. rdb may be nil, in which case every call
// reads the durable store.
func NewResolver(store Store, rdb redis.UniversalClient, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    store,
		redis:    rdb,
		cacheTTL:       5 * time.Minute,
		computeTimeout: 5 * time.Second,
		log:            logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective permission set of subjectID.
func (r *Resolver) Resolve(ctx context.Context, subjectID string) (Set, error) {
	profile, err := r.store.AdminProfile(ctx, subjectID)
	if errors.Is(err, stores.ErrNotFound) {
		return NewSet(), nil
	}
	if err != nil {
		return Set{}, fmt.Errorf("load admin profile: %w", err)
	}
	if profile.IsSuperAdmin {
		return All(), nil
	}

	var roleVersion int64
	if profile.RoleID != "" {
		role, err := r.store.Role(ctx, profile.RoleID)
		if errors.Is(err, stores.ErrNotFound) {
			return Set{}, r.roleNotFound(profile)
		}
		if err != nil {
			return Set{}, fmt.Errorf("load role: %w", err)
		}
		roleVersion = role.Version
	}

	key := CacheKey(subjectID, roleVersion)
	if set, ok := r.cached(ctx, key, profile); ok {
		r.hit()
		return set, nil
	}
	r.miss()

	flightKey := key + ":" + strconv.FormatInt(profile.ProfileVersion, 10) + ":" + profile.RoleID
	// The flight is shared, so it must not die with whichever caller started it.
	ch := r.group.DoChan(flightKey, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.computeTimeout)
		defer cancel()
		return r.compute(flightCtx, subjectID, profile, roleVersion)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Set{}, res.Err
		}
		return res.Val.(Set), nil
	case <-ctx.Done():
		return Set{}, ctx.Err()
	}
}

// HasPermission reports whether subjectID holds code.
func (r *Resolver) HasPermission(ctx context.Context, subjectID, code string) (bool, error) {
	set, err := r.Resolve(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return set.Has(code), nil
}

// Invalidate drops the memoized set of subjectID at its current role version.
// Grant mutations do not need it; it exists for operator tooling.
func (r *Resolver) Invalidate(ctx context.Context, subjectID string, roleVersion int64) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.Del(ctx, CacheKey(subjectID, roleVersion)).Err()
}

func (r *Resolver) compute(ctx context.Context, subjectID string, profile stores.AdminProfile, roleVersion int64) (Set, error) {
	var (
		grants  []string
		version = roleVersion
	)
	if memo, ok := r.CachedGrants(profile.RoleID, roleVersion); ok {
		grants = memo
	} else if profile.RoleID != "" {
		var err error
		grants, version, err = r.roleGrants(ctx, profile.RoleID)
		if errors.Is(err, stores.ErrNotFound) {
			return Set{}, r.roleNotFound(profile)
		}
		if err != nil {
			return Set{}, fmt.Errorf("load role grants: %w", err)
		}
	}

	set := effective(grants, profile.Overrides.Add, profile.Overrides.Remove)
	r.remember(ctx, CacheKey(subjectID, version), profile, set)
	return set, nil
}

func (r *Resolver) roleGrants(ctx context.Context, roleID string) ([]string, int64, error) {
	codes, version, err := r.store.RoleGrants(ctx, roleID)
	if err != nil {
		return nil, 0, err
	}
	if r.grants != nil {
		r.grants.Add(grantKey{roleID: roleID, version: version}, codes)
	}
	return codes, version, nil
}

// CachedGrants returns memoized grants for a role version, if present.
func (r *Resolver) CachedGrants(roleID string, version int64) ([]string, bool) {
	if r.grants == nil || roleID == "" {
		return nil, false
	}
	return r.grants.Get(grantKey{roleID: roleID, version: version})
}

func (r *Resolver) cached(ctx context.Context, key string, profile stores.AdminProfile) (Set, bool) {
	if r.redis == nil {
		return Set{}, false
	}
	raw, err := r.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.WithError(err).WithField("key", key).Warn("permission cache read failed")
		}
		return Set{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Set{}, false
	}
	if entry.RoleID != profile.RoleID || entry.ProfileVersion != profile.ProfileVersion {
		return Set{}, false
	}
	if entry.All {
		return All(), true
	}
	return NewSet(entry.Codes...), true
}

func (r *Resolver) remember(ctx context.Context, key string, profile stores.AdminProfile, set Set) {
	if r.redis == nil || ctx.Err() != nil {
		return
	}
	entry := cacheEntry{
		RoleID:         profile.RoleID,
		ProfileVersion: profile.ProfileVersion,
		All:            set.IsAll(),
		Codes:          set.Codes(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, key, raw, r.cacheTTL).Err(); err != nil {
		r.log.WithError(err).WithField("key", key).Warn("permission cache write failed")
	}
}

func (r *Resolver) roleNotFound(profile stores.AdminProfile) error {
	if r.hooks.RoleNotFound != nil {
		r.hooks.RoleNotFound()
	}
	r.log.WithFields(logrus.Fields{
		"subject_id": profile.SubjectID,
		"role_id":    profile.RoleID,
	}).Error("admin profile references a missing role")
	return fmt.Errorf("%w: %s", ErrRoleNotFound, profile.RoleID)
}

func (r *Resolver) hit() {
	if r.hooks.CacheHit != nil {
		r.hooks.CacheHit()
	}
}

func (r *Resolver) miss() {
	if r.hooks.CacheMiss != nil {
		r.hooks.CacheMiss()
	}
}
