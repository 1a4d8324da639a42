// Package limiters implements the brute-force lockout guard. Volumetric
// throttling lives in internal/rate; this package only tracks consecutive
// primary-credential failures per identifier and enforces the temporary
// lockout window.
package limiters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/stayloop/authcore/internal/counter"
)

// LockoutConfig mirrors the root config: Threshold failures inside Window
// trigger a lockout of Duration.
type LockoutConfig struct {
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

// Lockout is the per-identifier failure tracker. Keys are derived from the
// normalized identifier, not the account ID, so the guard behaves identically
// for unknown identifiers and cannot be used to probe account existence.
type Lockout struct {
	store  counter.Store
	config LockoutConfig
	prefix string
}

// NewLockout builds a guard over the given counter store.
func NewLockout(store counter.Store, cfg LockoutConfig, prefix string) *Lockout {
	return &Lockout{store: store, config: cfg, prefix: prefix}
}

// Check reports whether login attempts for identifier are currently rejected,
// and if so for how much longer.
func (l *Lockout) Check(ctx context.Context, identifier string) (locked bool, retryAfter time.Duration, err error) {
	ttl, present, err := l.store.MarkerTTL(ctx, l.lockKey(identifier))
	if err != nil {
		return false, 0, err
	}
	if !present {
		return false, 0, nil
	}
	return true, ttl, nil
}

// RecordFailure counts one failed attempt. Crossing the threshold sets the
// lockout marker and clears the counter, so the next window starts clean once
// the lockout elapses.
func (l *Lockout) RecordFailure(ctx context.Context, identifier string) (locked bool, retryAfter time.Duration, err error) {
	count, err := l.store.Incr(ctx, l.countKey(identifier), l.config.Window)
	if err != nil {
		return false, 0, err
	}
	if count < int64(l.config.Threshold) {
		return false, 0, nil
	}
	if err := l.store.SetMarker(ctx, l.lockKey(identifier), l.config.Duration); err != nil {
		return false, 0, err
	}
	if err := l.store.Del(ctx, l.countKey(identifier)); err != nil {
		return false, 0, err
	}
	return true, l.config.Duration, nil
}

// RecordSuccess resets the failure counter to zero.
func (l *Lockout) RecordSuccess(ctx context.Context, identifier string) error {
	return l.store.Del(ctx, l.countKey(identifier))
}

// FailureCount returns the current counter value, for introspection tooling.
func (l *Lockout) FailureCount(ctx context.Context, identifier string) (int64, error) {
	return l.store.Get(ctx, l.countKey(identifier))
}

func (l *Lockout) countKey(identifier string) string {
	return l.prefix + ":lf:" + identifierDigest(identifier)
}

func (l *Lockout) lockKey(identifier string) string {
	return l.prefix + ":lk:" + identifierDigest(identifier)
}

// identifierDigest keeps raw identifiers (emails) out of Redis keys.
func identifierDigest(identifier string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identifier))))
	return hex.EncodeToString(sum[:16])
}
