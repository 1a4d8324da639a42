package authcore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stayloop/authcore/internal/counter"
	"github.com/stayloop/authcore/internal/limiters"
	"github.com/stayloop/authcore/internal/rate"
	"github.com/stayloop/authcore/jwt"
	"github.com/stayloop/authcore/password"
	"github.com/stayloop/authcore/refresh"
)

// Builder assembles an [Engine]. Construction is allocation-only; no I/O
// happens until the engine serves its first call.
type Builder struct {
	config   Config
	hasCfg   bool
	redis    redis.UniversalClient
	counters counter.Store
	accounts AccountStore
	logger   *slog.Logger
	now      func() time.Time
}

// New starts a builder with [DefaultConfig].
func New() *Builder {
	return &Builder{config: DefaultConfig(), now: time.Now}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	b.hasCfg = true
	return b
}

// WithRedis sets the Redis client backing refresh tokens, challenges, and —
// unless overridden by [Builder.WithCounterStore] — the lockout and rate
// counters.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCounterStore overrides the counter backend. Single-instance deployments
// can pass a [counter.Memory]; the default is the shared Redis client.
func (b *Builder) WithCounterStore(store counter.Store) *Builder {
	b.counters = store
	return b
}

// WithAccountStore sets the account persistence integration.
func (b *Builder) WithAccountStore(store AccountStore) *Builder {
	b.accounts = store
	return b
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock overrides the engine clock, for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and key material and returns a ready
// Engine. A signing-key error here must be treated as fatal by the caller:
// the process has no trust root.
func (b *Builder) Build() (*Engine, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("authcore: redis client is required")
	}
	if b.accounts == nil {
		return nil, errors.New("authcore: account store is required")
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     b.config.Tokens.AccessTTL,
		SigningMethod: jwt.SigningMethod(b.config.Tokens.SigningMethod),
		PrivateKey:    b.config.Tokens.PrivateKey,
		PublicKey:     b.config.Tokens.PublicKey,
		Issuer:        b.config.Tokens.Issuer,
		Leeway:        b.config.Tokens.Leeway,
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("authcore: signing key rejected: %w", err)
	}

	hasher, err := password.New(password.Config{
		Memory:      b.config.Password.Memory,
		Time:        b.config.Password.Time,
		Parallelism: b.config.Password.Parallelism,
		SaltLength:  b.config.Password.SaltLength,
		KeyLength:   b.config.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	// The dummy hash equalizes verify timing for unknown identifiers.
	dummyHash, err := hasher.DummyHash()
	if err != nil {
		return nil, err
	}

	counters := b.counters
	if counters == nil {
		counters = counter.NewRedis(b.redis)
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		config:   b.config,
		accounts: b.accounts,
		hasher:   hasher,
		jwt:      jwtManager,
		refresh:  refresh.NewStore(b.redis, b.config.KeyPrefix).WithClock(now),
		lockout: limiters.NewLockout(counters, limiters.LockoutConfig{
			Threshold: b.config.Lockout.Threshold,
			Window:    b.config.Lockout.Window,
			Duration:  b.config.Lockout.Duration,
		}, b.config.KeyPrefix),
		rate: rate.New(counters, rate.Config{
			Enabled:         b.config.RateLimit.Enabled,
			PerIP:           b.config.RateLimit.PerIP,
			LoginBudget:     b.config.RateLimit.LoginBudget,
			LoginWindow:     b.config.RateLimit.LoginWindow,
			TwoFactorBudget: b.config.RateLimit.TwoFactorBudget,
			TwoFactorWindow: b.config.RateLimit.TwoFactorWindow,
			RefreshBudget:   b.config.RateLimit.RefreshBudget,
			RefreshWindow:   b.config.RateLimit.RefreshWindow,
		}, b.config.KeyPrefix),
		challenges: newChallengeStore(b.redis, b.config.KeyPrefix, now),
		totp:       newTOTPManager(b.config.TOTP),
		metrics:    newMetrics(),
		logger:     logger,
		dummyHash:  dummyHash,
		now:        now,
	}, nil
}
