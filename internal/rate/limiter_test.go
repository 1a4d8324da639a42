package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stayloop/authcore/internal/counter"
)

func newTestLimiter(now *time.Time, perIP bool) *Limiter {
	store := counter.NewMemoryAt(func() time.Time { return *now })
	return New(store, Config{
		Enabled:         true,
		PerIP:           perIP,
		LoginBudget:     3,
		LoginWindow:     time.Minute,
		TwoFactorBudget: 2,
		TwoFactorWindow: time.Minute,
		RefreshBudget:   5,
		RefreshWindow:   time.Minute,
	}, "t")
}

func TestLimiterEnforcesBudget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(&now, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Allow(ctx, ScopeLogin, "guest@example.com", ""); err != nil {
			t.Fatalf("attempt %d inside budget: %v", i+1, err)
		}
	}
	retry, err := l.Allow(ctx, ScopeLogin, "guest@example.com", "")
	if !errors.Is(err, ErrLimited) {
		t.Fatalf("over budget: %v", err)
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retry hint = %v", retry)
	}
}

func TestLimiterWindowResets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(&now, false)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = l.Allow(ctx, ScopeLogin, "guest@example.com", "")
	}
	now = now.Add(61 * time.Second)
	if _, err := l.Allow(ctx, ScopeLogin, "guest@example.com", ""); err != nil {
		t.Fatalf("fresh window rejected: %v", err)
	}
}

func TestLimiterScopesAreIndependent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(&now, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, ScopeLogin, "subj", "")
	}
	if _, err := l.Allow(ctx, ScopeLogin, "subj", ""); !errors.Is(err, ErrLimited) {
		t.Fatal("login scope should be exhausted")
	}
	if _, err := l.Allow(ctx, ScopeRefresh, "subj", ""); err != nil {
		t.Fatalf("refresh scope must be unaffected: %v", err)
	}
	if _, err := l.Allow(ctx, ScopeTwoFactor, "subj", ""); err != nil {
		t.Fatalf("two-factor scope must be unaffected: %v", err)
	}
}

func TestLimiterPerIP(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(&now, true)
	ctx := context.Background()

	// Distinct subjects from one IP still burn the IP budget.
	for i := 0; i < 3; i++ {
		if _, err := l.Allow(ctx, ScopeLogin, "subj-"+string(rune('a'+i)), "10.0.0.9"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if _, err := l.Allow(ctx, ScopeLogin, "subj-z", "10.0.0.9"); !errors.Is(err, ErrLimited) {
		t.Fatalf("ip budget not enforced: %v", err)
	}
	if _, err := l.Allow(ctx, ScopeLogin, "subj-z", "10.0.0.10"); err != nil {
		t.Fatalf("other ip must pass: %v", err)
	}
}

func TestLimiterDisabled(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := counter.NewMemoryAt(func() time.Time { return now })
	l := New(store, Config{Enabled: false}, "t")

	for i := 0; i < 100; i++ {
		if _, err := l.Allow(context.Background(), ScopeLogin, "subj", "ip"); err != nil {
			t.Fatalf("disabled limiter rejected: %v", err)
		}
	}
}
