package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	pub, priv := testKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     10 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "stayloop-auth",
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSignAndVerify(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1_700_000_000, 0)

	token, expiresAt, err := m.Sign("acct-1", []string{"guest", "host"}, "sess-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if !expiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expiresAt = %v", expiresAt)
	}

	claims, err := m.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "acct-1" || claims.SID != "sess-1" {
		t.Fatalf("claims: %+v", claims)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "guest" {
		t.Fatalf("roles: %v", claims.Roles)
	}
}

func TestVerifyExpiredIsDistinct(t *testing.T) {
	m := newTestManager(t)

	// Signed well in the past; no leeway configured.
	token, _, err := m.Sign("acct-1", nil, "sess-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	_, err = m.Verify(token)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expired token: got %v, want ErrExpired", err)
	}
	if errors.Is(err, ErrMalformed) {
		t.Fatal("expired must not also read as malformed")
	}
}

func TestVerifyRejectsForgery(t *testing.T) {
	m := newTestManager(t)
	other := newTestManager(t) // different key pair

	token, _, err := other.Sign("acct-1", nil, "sess-1", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		"foreign signature": token,
		"garbage":           "not.a.jwt",
		"empty":             "",
	}
	for name, tok := range cases {
		if _, err := m.Verify(tok); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: got %v, want ErrMalformed", name, err)
		}
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	pub, priv := testKeys(t)
	mint := func(issuer string) *Manager {
		m, err := NewManager(Config{
			AccessTTL:     time.Minute,
			SigningMethod: MethodEd25519,
			PrivateKey:    priv,
			PublicKey:     pub,
			Issuer:        issuer,
		})
		if err != nil {
			t.Fatal(err)
		}
		return m
	}

	token, _, err := mint("someone-else").Sign("acct-1", nil, "s", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mint("stayloop-auth").Verify(token); !errors.Is(err, ErrMalformed) {
		t.Fatalf("wrong issuer: got %v", err)
	}
}

func TestLeewayToleratesSkew(t *testing.T) {
	pub, priv := testKeys(t)
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "stayloop-auth",
		Leeway:        30 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Expired 10s ago: inside leeway.
	token, _, err := m.Sign("acct-1", nil, "s", time.Now().Add(-70*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Verify(token); err != nil {
		t.Fatalf("token inside leeway rejected: %v", err)
	}
}

func TestNewManagerRejectsBadTrustRoot(t *testing.T) {
	pub, priv := testKeys(t)
	base := Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "stayloop-auth",
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.AccessTTL = 0 }},
		{"empty issuer", func(c *Config) { c.Issuer = " " }},
		{"truncated private key", func(c *Config) { c.PrivateKey = priv[:16] }},
		{"truncated public key", func(c *Config) { c.PublicKey = pub[:8] }},
		{"unknown method", func(c *Config) { c.SigningMethod = "rs4096" }},
		{"short hs256 secret", func(c *Config) {
			c.SigningMethod = MethodHS256
			c.PrivateKey = []byte("short")
		}},
		{"excessive leeway", func(c *Config) { c.Leeway = time.Hour }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if _, err := NewManager(cfg); err == nil {
				t.Fatal("expected construction error")
			}
		})
	}
}

func TestHS256RoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    secret,
		Issuer:        "stayloop-auth",
	})
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := m.Sign("acct-1", nil, "s", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.Verify(token)
	if err != nil || claims.Subject != "acct-1" {
		t.Fatalf("hs256 verify: %v %+v", err, claims)
	}
}
