package authcore

import (
	"errors"
	"time"
)

// Config carries all tuning for the engine. Construct with [DefaultConfig] and
// override, then pass to [Builder.WithConfig]. There is no ambient or global
// configuration: every component receives its parameters at construction.
type Config struct {
	Tokens    TokenConfig
	Lockout   LockoutConfig
	RateLimit RateLimitConfig
	TOTP      TOTPConfig
	Challenge ChallengeConfig
	Password  PasswordConfig
	Store     StoreConfig

	// KeyPrefix namespaces every Redis key written by the engine.
	KeyPrefix string
}

// TokenConfig configures access-token signing and refresh-token lifetimes.
// PrivateKey/PublicKey are the process trust root; Build fails without them.
type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// RememberMeRefreshTTL is used instead of RefreshTTL when the client asked
	// to stay signed in. Zero disables the distinction.
	RememberMeRefreshTTL time.Duration

	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

// LockoutConfig tunes the per-account brute-force guard.
type LockoutConfig struct {
	// Threshold is the number of consecutive primary-credential failures
	// within Window that triggers a lockout.
	Threshold int
	// Window is the sliding window over which failures are counted.
	Window time.Duration
	// Duration is how long login stays rejected once locked.
	Duration time.Duration
}

// RateLimitConfig tunes the volumetric guard. It is independent of lockout:
// counters are keyed by identifier and client IP, not account state.
type RateLimitConfig struct {
	Enabled bool
	// PerIP additionally throttles by client IP when one is attached to the
	// request context.
	PerIP bool

	LoginBudget      int
	LoginWindow      time.Duration
	TwoFactorBudget  int
	TwoFactorWindow  time.Duration
	RefreshBudget    int
	RefreshWindow    time.Duration
}

// TOTPConfig tunes second-factor code generation and verification.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int    // seconds per time step
	Skew      int    // accepted steps either side of now
	Algorithm string // SHA1 (default), SHA256, SHA512

	BackupCodeCount  int
	BackupCodeLength int
}

// ChallengeConfig tunes the short-lived login challenge issued after primary
// credentials succeed on a 2FA-enabled account.
type ChallengeConfig struct {
	TTL time.Duration
	// MaxAttempts consumes the challenge after this many wrong codes, forcing
	// the client back through primary login.
	MaxAttempts int
}

// PasswordConfig carries argon2id parameters.
type PasswordConfig struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// UpgradeOnLogin rehashes the password transparently when stored
	// parameters are weaker than the configured ones.
	UpgradeOnLogin bool
}

// StoreConfig bounds external calls. Timeout applies per store round-trip; a
// timed-out call is retried once and then surfaced as [ErrBackendUnavailable].
type StoreConfig struct {
	Timeout time.Duration
}

// DefaultConfig returns production-oriented defaults. Signing keys are not
// defaulted; the caller must supply them.
func DefaultConfig() Config {
	return Config{
		Tokens: TokenConfig{
			AccessTTL:            10 * time.Minute,
			RefreshTTL:           720 * time.Hour,
			RememberMeRefreshTTL: 2160 * time.Hour,
			SigningMethod:        "ed25519",
			Issuer:               "stayloop-auth",
			Leeway:               30 * time.Second,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Window:    15 * time.Minute,
			Duration:  15 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			PerIP:           true,
			LoginBudget:     10,
			LoginWindow:     time.Minute,
			TwoFactorBudget: 10,
			TwoFactorWindow: time.Minute,
			RefreshBudget:   30,
			RefreshWindow:   time.Minute,
		},
		TOTP: TOTPConfig{
			Issuer:           "stayloop",
			Digits:           6,
			Period:           30,
			Skew:             1,
			Algorithm:        "SHA1",
			BackupCodeCount:  10,
			BackupCodeLength: 10,
		},
		Challenge: ChallengeConfig{
			TTL:         5 * time.Minute,
			MaxAttempts: 5,
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Store: StoreConfig{
			Timeout: 3 * time.Second,
		},
		KeyPrefix: "sl",
	}
}

// Validate rejects configurations that would weaken the security invariants.
func (c Config) Validate() error {
	if c.Tokens.AccessTTL <= 0 || c.Tokens.AccessTTL > time.Hour {
		return errors.New("authcore: access TTL must be in (0, 1h]")
	}
	if c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return errors.New("authcore: refresh TTL must exceed access TTL")
	}
	if c.Tokens.RememberMeRefreshTTL != 0 && c.Tokens.RememberMeRefreshTTL < c.Tokens.RefreshTTL {
		return errors.New("authcore: remember-me TTL must be at least refresh TTL")
	}
	if c.Tokens.Leeway < 0 || c.Tokens.Leeway > 2*time.Minute {
		return errors.New("authcore: leeway must be in [0, 2m]")
	}
	if c.Lockout.Threshold < 1 {
		return errors.New("authcore: lockout threshold must be at least 1")
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		return errors.New("authcore: lockout window and duration must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.LoginBudget < 1 || c.RateLimit.TwoFactorBudget < 1 || c.RateLimit.RefreshBudget < 1 {
			return errors.New("authcore: rate-limit budgets must be at least 1")
		}
		if c.RateLimit.LoginWindow <= 0 || c.RateLimit.TwoFactorWindow <= 0 || c.RateLimit.RefreshWindow <= 0 {
			return errors.New("authcore: rate-limit windows must be positive")
		}
	}
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 8 {
		return errors.New("authcore: totp digits must be in [6, 8]")
	}
	if c.TOTP.Period < 15 || c.TOTP.Period > 120 {
		return errors.New("authcore: totp period must be in [15s, 120s]")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return errors.New("authcore: totp skew must be in [0, 2]")
	}
	if c.TOTP.BackupCodeCount < 1 || c.TOTP.BackupCodeCount > 20 {
		return errors.New("authcore: backup code count must be in [1, 20]")
	}
	if c.TOTP.BackupCodeLength < 8 || c.TOTP.BackupCodeLength > 32 {
		return errors.New("authcore: backup code length must be in [8, 32]")
	}
	if c.Challenge.TTL <= 0 || c.Challenge.TTL > 15*time.Minute {
		return errors.New("authcore: challenge TTL must be in (0, 15m]")
	}
	if c.Challenge.MaxAttempts < 1 {
		return errors.New("authcore: challenge attempts must be at least 1")
	}
	if c.Store.Timeout <= 0 {
		return errors.New("authcore: store timeout must be positive")
	}
	if c.KeyPrefix == "" {
		return errors.New("authcore: key prefix must not be empty")
	}
	return nil
}
