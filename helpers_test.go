package shopguard

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/shopguard/internal/stores"
	"github.com/MrEthical07/shopguard/internal/stores/storetest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Emit(_ context.Context, e AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) ofType(eventType string) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testCore struct {
	*Core
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	store *stores.Store
	clock *fakeClock
	sink  *recordingSink
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.Secret = testSecret
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Metrics.EnableLatencyHistograms = true
	cfg.Audit.DropIfFull = false
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestCore(t *testing.T, mutate func(*Config)) *testCore {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	clock := newFakeClock()
	store := storetest.Open(t, stores.WithClock(clock.Now))
	mr, rdb := newTestRedis(t)
	sink := &recordingSink{}

	core, err := New().
		WithConfig(cfg).
		WithDB(store.DB()).
		WithRedis(rdb).
		WithLogger(quietLogger()).
		WithAuditSink(sink).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(core.Close)

	return &testCore{Core: core, mr: mr, rdb: rdb, store: store, clock: clock, sink: sink}
}

// seedAdmin creates a role holding codes and an admin assigned to it.
func (tc *testCore) seedAdmin(t *testing.T, identifier string, codes ...string) (Subject, Role) {
	t.Helper()
	ctx := context.Background()
	perms := make([]Permission, 0, len(codes))
	for _, c := range codes {
		perms = append(perms, Permission{Code: c})
	}
	if err := tc.Roles().RegisterPermissions(ctx, perms...); err != nil {
		t.Fatalf("register permissions: %v", err)
	}
	role, err := tc.Roles().Create(ctx, "role-"+identifier, "", false)
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if len(codes) > 0 {
		if _, err := tc.Roles().Replace(ctx, role.ID, codes); err != nil {
			t.Fatalf("replace grants: %v", err)
		}
	}
	sub, err := tc.CreateAdmin(ctx, AdminSpec{
		Identifier: identifier,
		Password:   "correct-password-1",
		RoleID:     role.ID,
	})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	return sub, role
}
