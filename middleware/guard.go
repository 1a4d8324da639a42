// Package middleware provides the request-time verification guard that sits
// in front of protected HTTP routes. It extracts the bearer token, verifies
// it through the engine, and attaches the resolved identity to the request
// context for downstream authorization.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stayloop/authcore"
)

type identityContextKey struct{}

// Verifier is the slice of the engine the guard needs.
type Verifier interface {
	VerifyAccess(token string) (*authcore.Identity, error)
}

// Allowlist names routes that may proceed without a token. Matching requests
// pass through anonymously; a presented token is still verified and attached
// when valid.
type Allowlist struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewAllowlist builds an allowlist from exact paths and "/prefix/*" patterns.
func NewAllowlist(patterns ...string) *Allowlist {
	a := &Allowlist{exact: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		if rest, ok := strings.CutSuffix(p, "*"); ok {
			a.prefixes = append(a.prefixes, rest)
			continue
		}
		a.exact[p] = struct{}{}
	}
	return a
}

// Contains reports whether path is allowlisted.
func (a *Allowlist) Contains(path string) bool {
	if a == nil {
		return false
	}
	if _, ok := a.exact[path]; ok {
		return true
	}
	for _, prefix := range a.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// IdentityFromContext returns the identity attached by [Guard], if any.
func IdentityFromContext(ctx context.Context) (*authcore.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*authcore.Identity)
	return id, ok
}

// Guard verifies the bearer token on every request. Expired tokens are
// rejected with the distinct "token_expired" code so clients know to refresh;
// any other verification failure is a generic 401. Allowlisted routes proceed
// without a token, anonymously.
func Guard(verifier Verifier, allow *Allowlist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				if allow.Contains(r.URL.Path) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, "unauthorized")
				return
			}

			identity, err := verifier.VerifyAccess(token)
			if err != nil {
				if allow.Contains(r.URL.Path) {
					next.ServeHTTP(w, r)
					return
				}
				if errors.Is(err, authcore.ErrTokenExpired) {
					unauthorized(w, "token_expired")
					return
				}
				unauthorized(w, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), identityContextKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects authenticated requests whose identity lacks the role.
// Layer it inside [Guard].
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				unauthorized(w, "unauthorized")
				return
			}
			if !identity.HasRole(role) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}
	token := value[len(bearer):]
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
