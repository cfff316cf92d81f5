package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(rdb, WithClock(clock.Now)), mr, clock
}

func TestCheckSlidingWindow(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	ctx := context.Background()
	window := 300 * time.Second

	for want := 4; want >= 0; want-- {
		res, err := l.Check(ctx, "u1", ActionLogin, 5, window)
		if err != nil {
			t.Fatalf("attempt with %d remaining: %v", want, err)
		}
		if !res.Allowed || res.Remaining != want {
			t.Fatalf("expected allowed with remaining=%d, got %+v", want, res)
		}
		clock.Advance(time.Second)
	}

	_, err := l.Check(ctx, "u1", ActionLogin, 5, window)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || !errors.Is(err, ErrExceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.Action != ActionLogin || exceeded.Limit != 5 || exceeded.Window != window {
		t.Fatalf("unexpected detail %+v", exceeded)
	}
	// oldest attempt was 5s ago
	if exceeded.RetryAfter != window-5*time.Second {
		t.Fatalf("unexpected retry-after %s", exceeded.RetryAfter)
	}

	// rejected attempts are not recorded, so only the oldest needs to age out
	clock.Advance(window - 5*time.Second + time.Microsecond)
	res, err := l.Check(ctx, "u1", ActionLogin, 5, window)
	if err != nil {
		t.Fatalf("expected window to slide: %v", err)
	}
	if res.Remaining != 0 {
		t.Fatalf("expected remaining 0 after one slot freed, got %d", res.Remaining)
	}
}

func TestRejectedAttemptsAreNotRecorded(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Check(ctx, "u2", ActionOTPResend, 2, time.Minute); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, "u2", ActionOTPResend, 2, time.Minute); !errors.Is(err, ErrExceeded) {
			t.Fatalf("expected exceeded, got %v", err)
		}
	}
	members, err := mr.ZMembers(Key(ActionOTPResend, "u2"))
	if err != nil {
		t.Fatalf("zmembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(members))
	}
}

func TestKeysAreIndependentAndExpire(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Check(ctx, "a", ActionLogin, 1, time.Minute); err != nil {
		t.Fatalf("check a: %v", err)
	}
	if _, err := l.Check(ctx, "b", ActionLogin, 1, time.Minute); err != nil {
		t.Fatalf("different identifier must not share a window: %v", err)
	}
	if _, err := l.Check(ctx, "a", ActionRegistration, 1, time.Minute); err != nil {
		t.Fatalf("different action must not share a window: %v", err)
	}

	if !mr.Exists("rate_limit:login:a") {
		t.Fatal("expected key rate_limit:login:a")
	}
	if ttl := mr.TTL("rate_limit:login:a"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}

func TestResetAndInspect(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, "u3", ActionLogin, 3, time.Minute); err != nil {
			t.Fatalf("check: %v", err)
		}
		clock.Advance(10 * time.Second)
	}

	u, err := l.Inspect(ctx, "u3", ActionLogin, 3, time.Minute)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if u.Count != 3 || u.Remaining != 0 || u.RetryAfter != 30*time.Second {
		t.Fatalf("unexpected usage %+v", u)
	}
	again, err := l.Inspect(ctx, "u3", ActionLogin, 3, time.Minute)
	if err != nil || again.Count != u.Count {
		t.Fatalf("inspect must be read-only: %+v %v", again, err)
	}

	if err := l.Reset(ctx, "u3", ActionLogin); err != nil {
		t.Fatalf("reset: %v", err)
	}
	res, err := l.Check(ctx, "u3", ActionLogin, 3, time.Minute)
	if err != nil || res.Remaining != 2 {
		t.Fatalf("expected fresh window, got %+v %v", res, err)
	}
}

func TestInvalidPolicy(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	if _, err := l.Check(context.Background(), "u", ActionLogin, 0, time.Minute); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	if _, err := l.CheckPolicy(context.Background(), "u", ActionLogin, Policy{MaxRequests: 1}); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestBackendFailureIsNotAllowed(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	mr.Close()

	res, err := l.Check(context.Background(), "u", ActionLogin, 5, time.Minute)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if res.Allowed {
		t.Fatal("backend failure must not allow")
	}
}
