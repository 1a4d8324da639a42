// Package httpapi exposes the auth engine over JSON HTTP. It owns route
// wiring, request decoding and the error-to-status mapping; all policy
// lives in the engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/stayloop/authcore"
	"github.com/stayloop/authcore/middleware"
)

// Server holds the handler dependencies.
type Server struct {
	engine *authcore.Engine
	log    *slog.Logger
}

// New builds a Server. A nil logger falls back to slog.Default.
func New(engine *authcore.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: engine, log: log}
}

// Handler returns the complete route tree. Routes not on the allowlist
// require a valid bearer access token. metrics, if non-nil, is mounted
// at GET /metrics.
func (s *Server) Handler(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh-token", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("POST /auth/logout-all", s.handleLogoutAll)
	mux.HandleFunc("POST /2fa/setup", s.handleTwoFactorSetup)
	mux.HandleFunc("POST /2fa/verify-setup", s.handleTwoFactorVerifySetup)
	mux.HandleFunc("POST /2fa/disable", s.handleTwoFactorDisable)
	mux.HandleFunc("POST /2fa/regenerate-codes", s.handleRegenerateBackupCodes)
	mux.HandleFunc("POST /2fa/verify-login", s.handleTwoFactorVerifyLogin)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	allow := middleware.NewAllowlist(
		"/auth/login",
		"/auth/refresh-token",
		"/2fa/verify-login",
		"/healthz",
		"/metrics",
	)
	return deviceContext(middleware.Guard(s.engine, allow)(mux))
}

// deviceContext stamps the caller's IP and user agent into the request
// context so refresh records can carry them.
func deviceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ctx = authcore.WithClientIP(ctx, host)
		} else if r.RemoteAddr != "" {
			ctx = authcore.WithClientIP(ctx, r.RemoteAddr)
		}
		if ua := r.UserAgent(); ua != "" {
			ctx = authcore.WithUserAgent(ctx, ua)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request"})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError translates engine errors into HTTP statuses. Lockout and
// rate limiting carry a Retry-After header when the engine knows the
// remaining wait.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if wait, ok := authcore.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	switch {
	case errors.Is(err, authcore.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
	case errors.Is(err, authcore.ErrAccountLocked):
		writeJSON(w, http.StatusLocked, errorBody{Error: "account_locked"})
	case errors.Is(err, authcore.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_credentials"})
	case errors.Is(err, authcore.ErrTokenExpired):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "token_expired"})
	case errors.Is(err, authcore.ErrTokenRevoked),
		errors.Is(err, authcore.ErrTokenNotFound),
		errors.Is(err, authcore.ErrTokenMalformed):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_token"})
	case errors.Is(err, authcore.ErrChallengeExpired):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "challenge_expired"})
	case errors.Is(err, authcore.ErrTwoFactorInvalid):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid_code"})
	case errors.Is(err, authcore.ErrTwoFactorNotEnabled):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "two_factor_not_enabled"})
	case errors.Is(err, authcore.ErrTwoFactorAlreadyEnabled):
		writeJSON(w, http.StatusConflict, errorBody{Error: "two_factor_already_enabled"})
	case errors.Is(err, authcore.ErrAccountDisabled):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "account_disabled"})
	case errors.Is(err, authcore.ErrEmailNotVerified):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "email_not_verified"})
	case errors.Is(err, authcore.ErrBackendUnavailable):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "backend_unavailable"})
	default:
		s.log.Error("unhandled auth error", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}
