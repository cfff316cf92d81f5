package permission

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/shopguard/internal/stores"
	"github.com/MrEthical07/shopguard/internal/stores/storetest"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type counters struct{ hits, misses, missingRoles atomic.Int64 }

func (c *counters) hooks() Hooks {
	return Hooks{
		CacheHit:     func() { c.hits.Add(1) },
		CacheMiss:    func() { c.misses.Add(1) },
		RoleNotFound: func() { c.missingRoles.Add(1) },
	}
}

func TestResolveAppliesOverrides(t *testing.T) {
	s := storetest.Open(t)
	_, rdb := newTestRedis(t)
	role := storetest.SeedRole(t, s, "support", "orders:read")
	admin := storetest.SeedAdmin(t, s, "a@example.com", role.ID, false, stores.Overrides{
		Add:    []string{"orders:write"},
		Remove: []string{"orders:read"},
	})

	r := NewResolver(s, rdb, WithLogger(quietLogger()))
	set, err := r.Resolve(context.Background(), admin.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !set.Equal(NewSet("orders:write")) {
		t.Fatalf("expected exactly {orders:write}, got %s", set)
	}
}

func TestGrantMutationInvalidatesThroughVersion(t *testing.T) {
	s := storetest.Open(t)
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	role := storetest.SeedRole(t, s, "catalog", "catalog:read")
	admin := storetest.SeedAdmin(t, s, "b@example.com", role.ID, false, stores.Overrides{})

	var c counters
	r := NewResolver(s, rdb, WithLogger(quietLogger()), WithHooks(c.hooks()))
	roles := NewRoles(s, WithRolesLogger(quietLogger()))

	before, err := r.Resolve(ctx, admin.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.Resolve(ctx, admin.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.hits.Load() != 1 || c.misses.Load() != 1 {
		t.Fatalf("expected one miss then one hit, got hits=%d misses=%d", c.hits.Load(), c.misses.Load())
	}
	oldKey := CacheKey(admin.ID, role.Version)
	if !mr.Exists(oldKey) {
		t.Fatalf("expected cache entry %s", oldKey)
	}

	if err := roles.RegisterPermissions(ctx, stores.Permission{Code: "catalog:write"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	v, err := roles.Grant(ctx, role.ID, "catalog:write")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if v != role.Version+1 {
		t.Fatalf("expected version %d, got %d", role.Version+1, v)
	}
	if _, err := roles.Revoke(ctx, role.ID, "catalog:read"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	after, err := r.Resolve(ctx, admin.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if after.Equal(before) {
		t.Fatalf("stale set returned after role mutation: %s", after)
	}
	if !after.Equal(NewSet("catalog:write")) {
		t.Fatalf("expected new grants, got %s", after)
	}
	// the old entry is orphaned, not deleted
	if !mr.Exists(oldKey) {
		t.Fatal("role mutation should not need to touch subject cache entries")
	}
	if !mr.Exists(CacheKey(admin.ID, role.Version+2)) {
		t.Fatal("expected entry under the new role version")
	}
}

func TestReassignmentAndOverrideEditsBypassCache(t *testing.T) {
	s := storetest.Open(t)
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	r1 := storetest.SeedRole(t, s, "r1", "orders:read")
	r2 := storetest.SeedRole(t, s, "r2", "refunds:create")
	admin := storetest.SeedAdmin(t, s, "c@example.com", r1.ID, false, stores.Overrides{})

	r := NewResolver(s, rdb, WithLogger(quietLogger()))
	roles := NewRoles(s, WithRolesLogger(quietLogger()))

	if ok, err := r.HasPermission(ctx, admin.ID, "orders:read"); err != nil || !ok {
		t.Fatalf("expected orders:read, ok=%v err=%v", ok, err)
	}
	// both roles sit at version 2, so the cache key does not change
	if err := roles.Assign(ctx, admin.ID, r2.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if ok, err := r.HasPermission(ctx, admin.ID, "orders:read"); err != nil || ok {
		t.Fatalf("reassigned admin must lose orders:read, ok=%v err=%v", ok, err)
	}

	if err := roles.SetOverrides(ctx, admin.ID, nil, []string{"refunds:create"}); err != nil {
		t.Fatalf("set overrides: %v", err)
	}
	set, err := r.Resolve(ctx, admin.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("expected empty set after removal override, got %s", set)
	}
}

func TestSuperAdminBypassesCache(t *testing.T) {
	s := storetest.Open(t)
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	role := storetest.SeedRole(t, s, "none")
	root := storetest.SeedAdmin(t, s, "root@example.com", role.ID, true, stores.Overrides{Remove: []string{"orders:read"}})

	r := NewResolver(s, rdb, WithLogger(quietLogger()))
	for _, code := range []string{"orders:read", "does:not-exist", "*"} {
		ok, err := r.HasPermission(ctx, root.ID, code)
		if err != nil || !ok {
			t.Fatalf("super admin must hold %q, ok=%v err=%v", code, ok, err)
		}
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("super admin resolution must not be cached, found %v", keys)
	}
}

func TestWildcardGrantYieldsAll(t *testing.T) {
	s := storetest.Open(t)
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	role := storetest.SeedRole(t, s, "ops", Wildcard)
	admin := storetest.SeedAdmin(t, s, "ops@example.com", role.ID, false, stores.Overrides{Remove: []string{"orders:read"}})

	r := NewResolver(s, rdb, WithLogger(quietLogger()))
	for i := 0; i < 2; i++ {
		set, err := r.Resolve(ctx, admin.ID)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !set.IsAll() || !set.Has("orders:read") {
			t.Fatalf("pass %d: expected All, got %s", i, set)
		}
	}
}

func TestCustomerResolvesEmpty(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	sub, err := s.CreateSubject(ctx, stores.Subject{Identifier: "shopper@example.com", PasswordHash: "x", Active: true})
	if err != nil {
		t.Fatalf("create subject: %v", err)
	}

	r := NewResolver(s, nil, WithLogger(quietLogger()))
	set, err := r.Resolve(ctx, sub.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.IsAll() || set.Len() != 0 {
		t.Fatalf("expected empty set, got %s", set)
	}
}

func TestAdminWithoutRoleUsesOverridesOnly(t *testing.T) {
	s := storetest.Open(t)
	_, rdb := newTestRedis(t)
	admin := storetest.SeedAdmin(t, s, "norole@example.com", "", false, stores.Overrides{Add: []string{"reports:read"}})

	r := NewResolver(s, rdb, WithLogger(quietLogger()))
	set, err := r.Resolve(context.Background(), admin.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !set.Equal(NewSet("reports:read")) {
		t.Fatalf("unexpected set %s", set)
	}
}

type danglingStore struct{}

func (danglingStore) AdminProfile(context.Context, string) (stores.AdminProfile, error) {
	return stores.AdminProfile{SubjectID: "s1", RoleID: "gone", ProfileVersion: 1}, nil
}

func (danglingStore) Role(context.Context, string) (stores.Role, error) {
	return stores.Role{}, stores.ErrNotFound
}

func (danglingStore) RoleGrants(context.Context, string) ([]string, int64, error) {
	return nil, 0, stores.ErrNotFound
}

func TestMissingRoleIsFatal(t *testing.T) {
	var c counters
	r := NewResolver(danglingStore{}, nil, WithLogger(quietLogger()), WithHooks(c.hooks()))

	set, err := r.Resolve(context.Background(), "s1")
	if !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
	if set.Has("anything") {
		t.Fatal("failed resolution must not grant")
	}
	if c.missingRoles.Load() != 1 {
		t.Fatalf("expected role-not-found hook, got %d", c.missingRoles.Load())
	}
}

func TestCacheOutageFallsBackToStore(t *testing.T) {
	s := storetest.Open(t)
	mr, rdb := newTestRedis(t)
	role := storetest.SeedRole(t, s, "support", "orders:read")
	admin := storetest.SeedAdmin(t, s, "d@example.com", role.ID, false, stores.Overrides{})
	mr.Close()

	r := NewResolver(s, rdb, WithLogger(quietLogger()))
	set, err := r.Resolve(context.Background(), admin.ID)
	if err != nil {
		t.Fatalf("resolve should fall back to the store: %v", err)
	}
	if !set.Equal(NewSet("orders:read")) {
		t.Fatalf("unexpected set %s", set)
	}
}

type countingStore struct {
	Store
	grantCalls atomic.Int64
}

func (c *countingStore) RoleGrants(ctx context.Context, roleID string) ([]string, int64, error) {
	c.grantCalls.Add(1)
	return c.Store.RoleGrants(ctx, roleID)
}

func TestGrantMemoAndSingleflight(t *testing.T) {
	s := storetest.Open(t)
	role := storetest.SeedRole(t, s, "support", "orders:read")
	a1 := storetest.SeedAdmin(t, s, "e1@example.com", role.ID, false, stores.Overrides{})
	a2 := storetest.SeedAdmin(t, s, "e2@example.com", role.ID, false, stores.Overrides{})

	cs := &countingStore{Store: s}
	r := NewResolver(cs, nil, WithLogger(quietLogger()), WithGrantCache(16, time.Minute))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := r.Resolve(ctx, id); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}([]string{a1.ID, a2.ID}[i%2])
	}
	wg.Wait()
	if _, err := r.Resolve(ctx, a1.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, ok := r.CachedGrants(role.ID, role.Version); !ok {
		t.Fatal("expected memoized grants for the current role version")
	}
	// concurrent first misses may each reach the store, later calls must not
	calls := cs.grantCalls.Load()
	if _, err := r.Resolve(ctx, a2.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cs.grantCalls.Load() != calls {
		t.Fatalf("memoized grants should avoid store reads, calls went %d -> %d", calls, cs.grantCalls.Load())
	}
}

type gatedStore struct {
	Store
	entered  chan struct{}
	release  chan struct{}
	roleSeen chan struct{}
	once     sync.Once
}

func (g *gatedStore) Role(ctx context.Context, id string) (stores.Role, error) {
	select {
	case g.roleSeen <- struct{}{}:
	default:
	}
	return g.Store.Role(ctx, id)
}

func (g *gatedStore) RoleGrants(ctx context.Context, roleID string) ([]string, int64, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	return g.Store.RoleGrants(ctx, roleID)
}

func TestCancelledCallerDoesNotFailSharedFlight(t *testing.T) {
	s := storetest.Open(t)
	role := storetest.SeedRole(t, s, "support", "orders:read")
	admin := storetest.SeedAdmin(t, s, "f@example.com", role.ID, false, stores.Overrides{})

	gs := &gatedStore{
		Store:    s,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
		roleSeen: make(chan struct{}, 2),
	}
	r := NewResolver(gs, nil, WithLogger(quietLogger()))

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(leaderCtx, admin.ID)
		leaderErr <- err
	}()
	<-gs.entered
	<-gs.roleSeen

	type result struct {
		set Set
		err error
	}
	follower := make(chan result, 1)
	go func() {
		set, err := r.Resolve(context.Background(), admin.ID)
		follower <- result{set, err}
	}()
	<-gs.roleSeen
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader should see its own cancellation, got %v", err)
	}
	close(gs.release)

	select {
	case res := <-follower:
		if res.err != nil {
			t.Fatalf("follower failed because another caller was cancelled: %v", res.err)
		}
		if !res.set.Equal(NewSet("orders:read")) {
			t.Fatalf("unexpected set %s", res.set)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follower never returned")
	}
}

func TestCallerDeadlineStillBoundsWait(t *testing.T) {
	s := storetest.Open(t)
	role := storetest.SeedRole(t, s, "support", "orders:read")
	admin := storetest.SeedAdmin(t, s, "g@example.com", role.ID, false, stores.Overrides{})

	gs := &gatedStore{Store: s, entered: make(chan struct{}), release: make(chan struct{}), roleSeen: make(chan struct{}, 1)}
	r := NewResolver(gs, nil, WithLogger(quietLogger()), WithComputeTimeout(time.Second))
	defer close(gs.release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := r.Resolve(ctx, admin.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the caller's deadline, got %v", err)
	}
}
