package otp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Purpose scopes a code to one flow.
type Purpose string

const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposePasswordReset     Purpose = "password_reset"
)

// Config controls code shape and lifetime.
type Config struct {
	Digits      int           `yaml:"digits"`
	TTL         time.Duration `yaml:"ttl"`
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxAttempts int           `yaml:"max_attempts"`
	// Pepper keys the stored code hash when set.
	Pepper string `yaml:"pepper"`
}

// DefaultConfig returns 6-digit codes valid for 10 minutes with a 60s resend
// cooldown and 5 attempts.
func DefaultConfig() Config {
	return Config{
		Digits:      6,
		TTL:         10 * time.Minute,
		Cooldown:    60 * time.Second,
		MaxAttempts: 5,
	}
}

// Validate checks bounds.
func (c Config) Validate() error {
	switch {
	case c.Digits < 4 || c.Digits > 10:
		return errors.New("otp digits must be between 4 and 10")
	case c.TTL <= 0:
		return errors.New("otp ttl must be > 0")
	case c.Cooldown < 0 || c.Cooldown >= c.TTL:
		return errors.New("otp cooldown must be >= 0 and shorter than ttl")
	case c.MaxAttempts < 1:
		return errors.New("otp max attempts must be >= 1")
	}
	return nil
}

const (
	fieldHash      = "hash"
	fieldCreatedAt = "created_at"
	fieldAttempts  = "attempts"
)

// verifyLua counts the attempt before anything else is decided.
// KEYS[1] = entry key, ARGV[1] = max attempts.
// Returns nil when absent, {attempts, ""} when exhausted (entry deleted),
// otherwise {attempts, stored hash}.
var verifyLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
if attempts > tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return {attempts, ''}
end
local stored = redis.call('HGET', KEYS[1], 'hash')
return {attempts, stored}
`)

// Service is safe for concurrent use.
type Service struct {
	redis  redis.UniversalClient
	config Config
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for cooldown decisions.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New validates cfg and returns a Service over rdb.
func New(rdb redis.UniversalClient, cfg Config, opts ...Option) (*Service, error) {
	if rdb == nil {
		return nil, errors.New("otp: redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{redis: rdb, config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Key returns the cache key of an entry.
func Key(identifier string, purpose Purpose) string {
	return "otp:" + identifier + ":" + string(purpose)
}

// Generate stores a fresh code for (identifier, purpose) and returns the
// plaintext. Any previous code for the pair is replaced.
func (s *Service) Generate(ctx context.Context, identifier string, purpose Purpose) (string, error) {
	if identifier == "" || purpose == "" {
		return "", ErrInvalidRequest
	}
	key := Key(identifier, purpose)
	now := s.now()

	if s.config.Cooldown > 0 {
		raw, err := s.redis.HGet(ctx, key, fieldCreatedAt).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		default:
			if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				elapsed := now.Sub(time.UnixMilli(ms))
				if elapsed < s.config.Cooldown {
					return "", &CooldownError{RetryAfter: s.config.Cooldown - elapsed}
				}
			}
		}
	}

	code, err := newCode(s.config.Digits)
	if err != nil {
		return "", err
	}

	if _, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			fieldHash, s.hash(identifier, purpose, code),
			fieldCreatedAt, now.UnixMilli(),
			fieldAttempts, 0,
		)
		p.PExpire(ctx, key, s.config.TTL)
		return nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return code, nil
}

// Verify consumes the code on success. A mismatch keeps the entry with its
// incremented counter; exceeding the maximum deletes it.
func (s *Service) Verify(ctx context.Context, identifier string, purpose Purpose, code string) error {
	if identifier == "" || purpose == "" {
		return ErrInvalidRequest
	}
	key := Key(identifier, purpose)

	res, err := verifyLua.Run(ctx, s.redis, []string{key}, s.config.MaxAttempts).Slice()
	if errors.Is(err, redis.Nil) {
		return ErrExpired
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("%w: unexpected script result", ErrUnavailable)
	}
	attempts, _ := res[0].(int64)
	stored, _ := res[1].(string)

	if int(attempts) > s.config.MaxAttempts {
		return ErrAttemptsExceeded
	}

	want := s.hash(identifier, purpose, code)
	if subtle.ConstantTimeCompare([]byte(want), []byte(stored)) != 1 {
		return &InvalidCodeError{AttemptsLeft: s.config.MaxAttempts - int(attempts)}
	}

	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Invalidate drops any pending code for (identifier, purpose).
func (s *Service) Invalidate(ctx context.Context, identifier string, purpose Purpose) error {
	if err := s.redis.Del(ctx, Key(identifier, purpose)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// hash binds the code to its key so an entry copied elsewhere cannot verify.
func (s *Service) hash(identifier string, purpose Purpose, code string) string {
	msg := identifier + "\x00" + string(purpose) + "\x00" + code
	if s.config.Pepper == "" {
		sum := sha256.Sum256([]byte(msg))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, []byte(s.config.Pepper))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func newCode(digits int) (string, error) {
	buf := make([]byte, digits)
	ten := big.NewInt(10)
	for i := range buf {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}
