// Package rate enforces volumetric budgets on the authentication endpoints.
// It is independent of the lockout guard: counters are keyed by identifier and
// client IP, windows are fixed, and a rejection is purely about request volume,
// never about credential validity.
package rate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/stayloop/authcore/internal/counter"
)

// ErrLimited is returned once a window's budget is exhausted. It is wrapped
// with the remaining window as a retry hint at the engine boundary.
var ErrLimited = errors.New("rate limited")

// Scope selects the per-endpoint budget.
type Scope int

const (
	ScopeLogin Scope = iota
	ScopeTwoFactor
	ScopeRefresh
)

// Config mirrors the root rate-limit configuration.
type Config struct {
	Enabled bool
	PerIP   bool

	LoginBudget     int
	LoginWindow     time.Duration
	TwoFactorBudget int
	TwoFactorWindow time.Duration
	RefreshBudget   int
	RefreshWindow   time.Duration
}

// Limiter implements fixed-window counting over a [counter.Store].
type Limiter struct {
	store  counter.Store
	config Config
	prefix string
}

// New builds a limiter over the given counter store.
func New(store counter.Store, cfg Config, prefix string) *Limiter {
	return &Limiter{store: store, config: cfg, prefix: prefix}
}

// Allow counts one request against the scope's budget for the subject (and IP
// when per-IP throttling is on). When over budget it returns [ErrLimited] and
// the time until the window resets.
func (l *Limiter) Allow(ctx context.Context, scope Scope, subject, ip string) (time.Duration, error) {
	if l == nil || !l.config.Enabled {
		return 0, nil
	}

	budget, window := l.budget(scope)
	if subject != "" {
		if retry, err := l.count(ctx, l.key(scope, "s", subject), budget, window); err != nil {
			return retry, err
		}
	}
	if l.config.PerIP && ip != "" {
		if retry, err := l.count(ctx, l.key(scope, "ip", ip), budget, window); err != nil {
			return retry, err
		}
	}
	return 0, nil
}

func (l *Limiter) count(ctx context.Context, key string, budget int, window time.Duration) (time.Duration, error) {
	n, err := l.store.Incr(ctx, key, window)
	if err != nil {
		return 0, err
	}
	if n <= int64(budget) {
		return 0, nil
	}
	// Window remainder is the honest retry hint; fall back to the full window
	// when the backend cannot report it.
	if ttl, ok, ttlErr := l.store.MarkerTTL(ctx, key); ttlErr == nil && ok {
		return ttl, ErrLimited
	}
	return window, ErrLimited
}

func (l *Limiter) budget(scope Scope) (int, time.Duration) {
	switch scope {
	case ScopeTwoFactor:
		return l.config.TwoFactorBudget, l.config.TwoFactorWindow
	case ScopeRefresh:
		return l.config.RefreshBudget, l.config.RefreshWindow
	default:
		return l.config.LoginBudget, l.config.LoginWindow
	}
}

func (l *Limiter) key(scope Scope, kind, value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return l.prefix + ":rl:" + scopeTag(scope) + ":" + kind + ":" + hex.EncodeToString(sum[:16])
}

func scopeTag(scope Scope) string {
	switch scope {
	case ScopeTwoFactor:
		return "2fa"
	case ScopeRefresh:
		return "rt"
	default:
		return "login"
	}
}
