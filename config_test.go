package authcore

import (
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestConfigValidateRejectsWeakening(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero access ttl", func(c *Config) { c.Tokens.AccessTTL = 0 }},
		{"day-long access ttl", func(c *Config) { c.Tokens.AccessTTL = 24 * time.Hour }},
		{"refresh shorter than access", func(c *Config) {
			c.Tokens.AccessTTL = time.Hour
			c.Tokens.RefreshTTL = time.Minute
		}},
		{"remember-me below refresh", func(c *Config) { c.Tokens.RememberMeRefreshTTL = time.Hour }},
		{"excessive leeway", func(c *Config) { c.Tokens.Leeway = 10 * time.Minute }},
		{"zero lockout threshold", func(c *Config) { c.Lockout.Threshold = 0 }},
		{"zero lockout duration", func(c *Config) { c.Lockout.Duration = 0 }},
		{"zero login budget", func(c *Config) { c.RateLimit.LoginBudget = 0 }},
		{"zero refresh window", func(c *Config) { c.RateLimit.RefreshWindow = 0 }},
		{"five-digit totp", func(c *Config) { c.TOTP.Digits = 5 }},
		{"huge skew", func(c *Config) { c.TOTP.Skew = 5 }},
		{"short backup codes", func(c *Config) { c.TOTP.BackupCodeLength = 4 }},
		{"hour-long challenge", func(c *Config) { c.Challenge.TTL = time.Hour }},
		{"zero challenge attempts", func(c *Config) { c.Challenge.MaxAttempts = 0 }},
		{"zero store timeout", func(c *Config) { c.Store.Timeout = 0 }},
		{"empty key prefix", func(c *Config) { c.KeyPrefix = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestConfigValidateAllowsDisabledRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{Enabled: false}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled rate limit must skip budget checks: %v", err)
	}
}
