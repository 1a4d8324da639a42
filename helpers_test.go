package authcore_test

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stayloop/authcore"
	"github.com/stayloop/authcore/password"
	"github.com/stayloop/authcore/stores/memory"
)

// testClock is a mutable clock shared by the engine and its stores.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	engine *authcore.Engine
	store  *memory.Store
	clock  *testClock
	hasher *password.Hasher
	config authcore.Config
}

// fastPasswordConfig keeps argon2 cheap in tests while staying above the
// hasher's floors.
func fastPasswordConfig() authcore.PasswordConfig {
	return authcore.PasswordConfig{
		Memory:         8 * 1024,
		Time:           1,
		Parallelism:    1,
		SaltLength:     16,
		KeyLength:      16,
		UpgradeOnLogin: true,
	}
}

func newTestEnv(t *testing.T, mutate ...func(*authcore.Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	cfg := authcore.DefaultConfig()
	cfg.Tokens.PrivateKey = priv
	cfg.Tokens.PublicKey = pub
	cfg.Password = fastPasswordConfig()
	// Generous budgets so only the dedicated tests hit the limiter.
	cfg.RateLimit.LoginBudget = 100
	cfg.RateLimit.TwoFactorBudget = 100
	cfg.RateLimit.RefreshBudget = 100
	for _, m := range mutate {
		m(&cfg)
	}

	clock := newTestClock()
	store := memory.New()
	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(client).
		WithAccountStore(store).
		WithClock(clock.Now).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{engine: engine, store: store, clock: clock, hasher: hasher, config: cfg}
}

var accountSeq int

// seedAccount stores an active, verified account and returns it.
func (env *testEnv) seedAccount(t *testing.T, email, plaintext string, mutate ...func(*authcore.Account)) authcore.Account {
	t.Helper()

	hash, err := env.hasher.Hash(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	accountSeq++
	account := authcore.Account{
		ID:            fmt.Sprintf("acct-%d", accountSeq),
		Email:         email,
		PasswordHash:  hash,
		Roles:         []string{"guest"},
		EmailVerified: true,
		Status:        authcore.AccountActive,
	}
	for _, m := range mutate {
		m(&account)
	}
	env.store.Put(account)
	return account
}

// enrollTOTP drives the full enrollment handshake and returns the base32
// secret and the plaintext backup codes.
func (env *testEnv) enrollTOTP(t *testing.T, accountID string) (string, []string) {
	t.Helper()
	ctx := t.Context()

	info, err := env.engine.BeginTOTPEnrollment(ctx, accountID)
	if err != nil {
		t.Fatal(err)
	}
	codes, err := env.engine.ConfirmTOTPEnrollment(ctx, accountID, totpAt(t, info.SecretBase32, env.clock.Now()))
	if err != nil {
		t.Fatal(err)
	}
	return info.SecretBase32, codes
}

// totpAt computes the 6-digit SHA-1 code the authenticator app would show.
func totpAt(t *testing.T, secretBase32 string, at time.Time) string {
	t.Helper()

	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatal(err)
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(at.Unix()/30))
	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	return fmt.Sprintf("%06d", bin%1_000_000)
}
