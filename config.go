package shopguard

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrEthical07/shopguard/jwt"
	"github.com/MrEthical07/shopguard/otp"
	"github.com/MrEthical07/shopguard/password"
	"github.com/MrEthical07/shopguard/ratelimit"
)

// Config is the full Core configuration. Obtain one from DefaultConfig or
// LoadConfig and adjust before passing it to the Builder.
type Config struct {
	JWT          JWTConfig          `yaml:"jwt"`
	OTP          otp.Config         `yaml:"otp"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Permission   PermissionConfig   `yaml:"permission"`
	Password     password.Config    `yaml:"password"`
	Account      AccountConfig      `yaml:"account"`
	Audit        AuditConfig        `yaml:"audit"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls token signing. Secret must be at least 32 bytes.
//
// To rotate keys, give the new secret a KeyID and move the old secret into
// VerifySecrets under its previous kid. Tokens signed with the old key keep
// verifying until they expire.
type JWTConfig struct {
	SigningMethod string            `yaml:"signing_method"` // hs256 (default), hs384, hs512
	Secret        string            `yaml:"secret"`
	Issuer        string            `yaml:"issuer"`
	AccessTTL     time.Duration     `yaml:"access_ttl"`
	RefreshTTL    time.Duration     `yaml:"refresh_ttl"`
	Leeway        time.Duration     `yaml:"leeway"`
	KeyID         string            `yaml:"key_id"`
	VerifySecrets map[string]string `yaml:"verify_secrets"` // kid -> secret
	MaxFutureIAT  time.Duration     `yaml:"max_future_iat"`
}

// Manager builds the signer described by c.
func (c JWTConfig) Manager(now func() time.Time) (*jwt.Manager, error) {
	var verify map[string][]byte
	if len(c.VerifySecrets) > 0 {
		verify = make(map[string][]byte, len(c.VerifySecrets))
		for kid, secret := range c.VerifySecrets {
			verify[kid] = []byte(secret)
		}
	}
	return jwt.NewManager(jwt.Config{
		SigningMethod: jwt.SigningMethod(c.SigningMethod),
		Secret:        []byte(c.Secret),
		Issuer:        c.Issuer,
		Leeway:        c.Leeway,
		MaxFutureIAT:  c.MaxFutureIAT,
		KeyID:         c.KeyID,
		VerifySecrets: verify,
		Now:           now,
	})
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig holds the per-action sliding-window budgets.
type RateLimitConfig struct {
	Login        ratelimit.Policy `yaml:"login"`
	OTPResend    ratelimit.Policy `yaml:"otp_resend"`
	Registration ratelimit.Policy `yaml:"registration"`
	// ResetOnLoginSuccess clears the login window after a successful login.
	ResetOnLoginSuccess bool `yaml:"reset_on_login_success"`
}

// Policy returns the budget configured for action.
func (c RateLimitConfig) Policy(action string) (ratelimit.Policy, bool) {
	switch action {
	case ratelimit.ActionLogin:
		return c.Login, true
	case ratelimit.ActionOTPResend:
		return c.OTPResend, true
	case ratelimit.ActionRegistration:
		return c.Registration, true
	}
	return ratelimit.Policy{}, false
}

/*
====================================
PERMISSION CONFIG
====================================
*/

type PermissionConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// LocalGrantCacheSize > 0 enables the in-process role grant memo.
	LocalGrantCacheSize int           `yaml:"local_grant_cache_size"`
	LocalGrantCacheTTL  time.Duration `yaml:"local_grant_cache_ttl"`
}

/*
====================================
ACCOUNT / AUDIT / METRICS
====================================
*/

type AccountConfig struct {
	// RequireVerified rejects logins of subjects that have not verified their email.
	RequireVerified bool `yaml:"require_verified"`
}

type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`

	// SecurityWait bounds how long a security event waits for queue room.
	SecurityWait time.Duration `yaml:"security_wait"`
}

type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

/*
====================================
BACKENDS
====================================
*/

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL         string        `yaml:"url"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type HousekeepingConfig struct {
	// Schedule is a cron spec; descriptors such as @hourly are accepted.
	Schedule string `yaml:"schedule"`
	// Retention is how long expired refresh records are kept before purging.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns production defaults. JWT.Secret must still be set.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			SigningMethod: string(jwt.MethodHS256),
			Issuer:        "shopguard",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    14 * 24 * time.Hour,
		},
		OTP: otp.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Login:               ratelimit.Policy{MaxRequests: 5, Window: 300 * time.Second},
			OTPResend:           ratelimit.Policy{MaxRequests: 3, Window: 600 * time.Second},
			Registration:        ratelimit.Policy{MaxRequests: 10, Window: time.Hour},
			ResetOnLoginSuccess: true,
		},
		Permission: PermissionConfig{
			CacheTTL:            5 * time.Minute,
			LocalGrantCacheSize: 1024,
			LocalGrantCacheTTL:  time.Minute,
		},
		Password: password.DefaultConfig(),
		Account:  AccountConfig{RequireVerified: true},
		Audit: AuditConfig{
			Enabled:      true,
			BufferSize:   1024,
			DropIfFull:   true,
			SecurityWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
		Database: DatabaseConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
		},
		Redis: RedisConfig{
			URL:         "redis://localhost:6379/0",
			PoolSize:    20,
			DialTimeout: 5 * time.Second,
		},
		Housekeeping: HousekeepingConfig{
			Schedule:  "@hourly",
			Retention: 24 * time.Hour,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig, applies SHOPGUARD_*
// environment overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.JWT.Secret = getEnv("SHOPGUARD_JWT_SECRET", c.JWT.Secret)
	c.JWT.Issuer = getEnv("SHOPGUARD_JWT_ISSUER", c.JWT.Issuer)
	c.JWT.SigningMethod = getEnv("SHOPGUARD_JWT_SIGNING_METHOD", c.JWT.SigningMethod)
	c.JWT.AccessTTL = getEnvDuration("SHOPGUARD_ACCESS_TTL", c.JWT.AccessTTL)
	c.JWT.RefreshTTL = getEnvDuration("SHOPGUARD_REFRESH_TTL", c.JWT.RefreshTTL)
	c.JWT.KeyID = getEnv("SHOPGUARD_JWT_KEY_ID", c.JWT.KeyID)
	c.JWT.VerifySecrets = getEnvMap("SHOPGUARD_JWT_VERIFY_SECRETS", c.JWT.VerifySecrets)
	c.JWT.MaxFutureIAT = getEnvDuration("SHOPGUARD_JWT_MAX_FUTURE_IAT", c.JWT.MaxFutureIAT)

	c.OTP.Pepper = getEnv("SHOPGUARD_OTP_PEPPER", c.OTP.Pepper)

	c.Database.DSN = getEnv("SHOPGUARD_DATABASE_DSN", c.Database.DSN)
	c.Database.MaxOpenConns = getEnvInt("SHOPGUARD_DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Redis.URL = getEnv("SHOPGUARD_REDIS_URL", c.Redis.URL)
	c.Redis.PoolSize = getEnvInt("SHOPGUARD_REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Audit.Enabled = getEnvBool("SHOPGUARD_AUDIT_ENABLED", c.Audit.Enabled)
	c.Metrics.Enabled = getEnvBool("SHOPGUARD_METRICS_ENABLED", c.Metrics.Enabled)
	c.Account.RequireVerified = getEnvBool("SHOPGUARD_REQUIRE_VERIFIED", c.Account.RequireVerified)
	c.Housekeeping.Schedule = getEnv("SHOPGUARD_HOUSEKEEPING_SCHEDULE", c.Housekeeping.Schedule)
}

// Validate checks every sub-config and returns the first problem found.
func (c *Config) Validate() error {
	if _, err := c.JWT.Manager(nil); err != nil {
		return fmt.Errorf("jwt: %w", err)
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("jwt: access_ttl and refresh_ttl must be > 0")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("jwt: access_ttl must be shorter than refresh_ttl")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > time.Minute {
		return errors.New("jwt: leeway must be between 0 and 1m")
	}

	if err := c.OTP.Validate(); err != nil {
		return err
	}
	for name, p := range map[string]ratelimit.Policy{
		ratelimit.ActionLogin:        c.RateLimit.Login,
		ratelimit.ActionOTPResend:    c.RateLimit.OTPResend,
		ratelimit.ActionRegistration: c.RateLimit.Registration,
	} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("rate_limit.%s: %w", name, err)
		}
	}
	if c.Permission.CacheTTL <= 0 {
		return errors.New("permission: cache_ttl must be > 0")
	}
	if c.Permission.LocalGrantCacheSize < 0 {
		return errors.New("permission: local_grant_cache_size must be >= 0")
	}
	if err := c.Password.Validate(); err != nil {
		return err
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("audit: buffer_size must be > 0 when enabled")
	}
	if c.Audit.SecurityWait < 0 {
		return errors.New("audit: security_wait must be >= 0")
	}
	if c.Housekeeping.Retention < 0 {
		return errors.New("housekeeping: retention must be >= 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvMap parses kid1=value1,kid2=value2. Malformed pairs are skipped.
func getEnvMap(key string, defaultValue map[string]string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
