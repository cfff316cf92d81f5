package shopguard

import (
	"database/sql"
	"errors"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/shopguard/internal/stores"
	"github.com/MrEthical07/shopguard/otp"
	"github.com/MrEthical07/shopguard/password"
	"github.com/MrEthical07/shopguard/permission"
	"github.com/MrEthical07/shopguard/ratelimit"
	"github.com/MrEthical07/shopguard/token"
)

// Builder assembles a Core. A Builder can be used once.
type Builder struct {
	config    Config
	db        *sql.DB
	redis     redis.UniversalClient
	logger    *logrus.Logger
	auditSink AuditSink
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithDB sets the durable store connection. The caller owns its lifecycle.
func (b *Builder) WithDB(db *sql.DB) *Builder {
	b.db = db
	return b
}

// WithRedis sets the shared cache client. The caller owns its lifecycle.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithLogger(l *logrus.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock replaces the wall clock of every component. Intended for tests.
func (b *Builder) WithClock(fn func() time.Time) *Builder {
	b.now = fn
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Core, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.db == nil {
		return nil, errors.New("database handle required")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	log := b.logger
	if log == nil {
		log = defaultLogger()
	}

	c := &Core{
		config:  cfg,
		log:     log,
		now:     now,
		metrics: NewMetrics(cfg.Metrics),
	}

	// -------- DURABLE STORE --------
	c.store = stores.New(b.db, stores.WithClock(now))

	// -------- TOKENS --------
	signer, err := cfg.JWT.Manager(now)
	if err != nil {
		return nil, err
	}
	c.tokens, err = token.New(c.store, signer, token.Config{
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	},
		token.WithClock(now),
		token.WithLogger(log),
		token.WithReuseHook(c.onTokenReuse),
		token.WithSubjectCheck(c.refreshAllowed),
	)
	if err != nil {
		return nil, err
	}

	// -------- CACHE-BACKED COMPONENTS --------
	c.otp, err = otp.New(b.redis, cfg.OTP, otp.WithClock(now))
	if err != nil {
		return nil, err
	}
	c.limiter = ratelimit.New(b.redis, ratelimit.WithClock(now))

	// -------- PERMISSIONS --------
	resolverOpts := []permission.ResolverOption{
		permission.WithCacheTTL(cfg.Permission.CacheTTL),
		permission.WithLogger(log),
		permission.WithHooks(permission.Hooks{
			CacheHit:     func() { c.metrics.Inc(MetricPermissionCacheHit) },
			CacheMiss:    func() { c.metrics.Inc(MetricPermissionCacheMiss) },
			RoleNotFound: func() { c.metrics.Inc(MetricRoleNotFound) },
		}),
	}
	if cfg.Permission.LocalGrantCacheSize > 0 {
		resolverOpts = append(resolverOpts,
			permission.WithGrantCache(cfg.Permission.LocalGrantCacheSize, cfg.Permission.LocalGrantCacheTTL))
	}
	c.resolver = permission.NewResolver(c.store, b.redis, resolverOpts...)
	c.roles = permission.NewRoles(c.store,
		permission.WithRolesLogger(log),
		permission.WithChangeHook(c.onRoleChange),
	)

	// -------- PASSWORDS --------
	c.hasher, err = password.New(cfg.Password)
	if err != nil {
		return nil, err
	}

	// -------- AUDIT --------
	// started last: nothing after this point can fail
	c.audit = newAuditDispatcher(cfg.Audit, b.auditSink)

	b.built = true
	return c, nil
}

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}
