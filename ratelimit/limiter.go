package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Well-known actions throttled by the core.
const (
	ActionLogin        = "login"
	ActionOTPResend    = "otp_resend"
	ActionRegistration = "registration"
)

// Policy is a request budget over a trailing window.
type Policy struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// Validate rejects empty budgets.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 || p.Window <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Result is returned for an allowed attempt.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the oldest attempt in the window ages out.
	ResetAt time.Time
}

// Usage is a read-only view of a window.
type Usage struct {
	Count      int
	Limit      int
	Remaining  int
	OldestAt   time.Time
	RetryAfter time.Duration
}

// Limiter is safe for concurrent use.
type Limiter struct {
	redis redis.UniversalClient
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New returns a Limiter backed by rdb. The caller owns the client lifecycle.
func New(rdb redis.UniversalClient, opts ...Option) *Limiter {
	l := &Limiter{redis: rdb, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the cache key of a window.
func Key(action, identifier string) string {
	return "rate_limit:" + action + ":" + identifier
}

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

func fromScore(s float64) time.Time { return time.UnixMicro(int64(s)) }

// Check records one attempt for (identifier, action) if the window has room.
// When the budget is spent it returns *ExceededError and records nothing.
func (l *Limiter) Check(ctx context.Context, identifier, action string, maxRequests int, window time.Duration) (Result, error) {
	if err := (Policy{MaxRequests: maxRequests, Window: window}).Validate(); err != nil {
		return Result{}, err
	}
	key := Key(action, identifier)
	now := l.now()
	cutoff := now.Add(-window)

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	if _, err := l.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff.UnixMicro(), 10))
		card = p.ZCard(ctx, key)
		oldest = p.ZRangeWithScores(ctx, key, 0, 0)
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	count := int(card.Val())
	oldestAt := now
	if zs := oldest.Val(); len(zs) > 0 {
		oldestAt = fromScore(zs[0].Score)
	}

	if count >= maxRequests {
		retry := oldestAt.Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{}, &ExceededError{
			Action:     action,
			Limit:      maxRequests,
			Window:     window,
			RetryAfter: retry,
		}
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	if _, err := l.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: score(now), Member: member})
		p.PExpire(ctx, key, window)
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return Result{
		Allowed:   true,
		Remaining: maxRequests - (count + 1),
		ResetAt:   oldestAt.Add(window),
	}, nil
}

// CheckPolicy is Check with the budget taken from p.
func (l *Limiter) CheckPolicy(ctx context.Context, identifier, action string, p Policy) (Result, error) {
	return l.Check(ctx, identifier, action, p.MaxRequests, p.Window)
}

// Reset clears the window for (identifier, action).
func (l *Limiter) Reset(ctx context.Context, identifier, action string) error {
	if err := l.redis.Del(ctx, Key(action, identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Inspect reports current usage without trimming or recording.
func (l *Limiter) Inspect(ctx context.Context, identifier, action string, maxRequests int, window time.Duration) (Usage, error) {
	if err := (Policy{MaxRequests: maxRequests, Window: window}).Validate(); err != nil {
		return Usage{}, err
	}
	key := Key(action, identifier)
	now := l.now()
	from := strconv.FormatInt(now.Add(-window).UnixMicro(), 10)

	var (
		count  *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	if _, err := l.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		count = p.ZCount(ctx, key, from, "+inf")
		oldest = p.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: from, Max: "+inf", Count: 1})
		return nil
	}); err != nil {
		return Usage{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	u := Usage{Count: int(count.Val()), Limit: maxRequests}
	u.Remaining = maxRequests - u.Count
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	if zs := oldest.Val(); len(zs) > 0 {
		u.OldestAt = fromScore(zs[0].Score)
		if u.Count >= maxRequests {
			u.RetryAfter = u.OldestAt.Add(window).Sub(now)
			if u.RetryAfter < 0 {
				u.RetryAfter = 0
			}
		}
	}
	return u, nil
}
