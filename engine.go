package authcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/stayloop/authcore/internal/flows"
	"github.com/stayloop/authcore/internal/limiters"
	"github.com/stayloop/authcore/internal/rate"
	"github.com/stayloop/authcore/jwt"
	"github.com/stayloop/authcore/password"
	"github.com/stayloop/authcore/refresh"
)

// Engine orchestrates login, two-factor challenges, token issuance and
// rotation, and request-time verification. Build one through [Builder]; all
// methods are safe for concurrent use afterwards.
type Engine struct {
	config     Config
	accounts   AccountStore
	hasher     *password.Hasher
	jwt        *jwt.Manager
	refresh    *refresh.Store
	lockout    *limiters.Lockout
	rate       *rate.Limiter
	challenges *challengeStore
	totp       *totpManager
	metrics    *Metrics
	logger     *slog.Logger
	dummyHash  string
	now        func() time.Time
}

// MetricsSnapshot copies the engine counters for export.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e != nil {
		e.metrics.Inc(id)
	}
}

type loginState struct {
	identifier string
	password   string
	rememberMe bool
	ip         string
	userAgent  string

	account *Account
	result  *LoginResult
}

// Login runs the primary-credential pipeline: volumetric rate limit, lockout
// check, account load, constant-time password verify, status checks, then
// either a two-factor challenge or a full token pair.
//
// Unknown identifiers and wrong passwords are indistinguishable in result and
// timing: both return [ErrInvalidCredentials] after a real argon2 comparison.
func (e *Engine) Login(ctx context.Context, identifier, credential string, rememberMe bool) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	state := &loginState{
		identifier: identifier,
		password:   credential,
		rememberMe: rememberMe,
		ip:         clientIPFromContext(ctx),
		userAgent:  userAgentFromContext(ctx),
	}

	step, err := flows.Run(ctx, state,
		flows.Step[loginState]{Name: "rate_limit", Run: e.stepRateLimit},
		flows.Step[loginState]{Name: "lockout_check", Run: e.stepLockoutCheck},
		flows.Step[loginState]{Name: "load_account", Run: e.stepLoadAccount},
		flows.Step[loginState]{Name: "verify_password", Run: e.stepVerifyPassword},
		flows.Step[loginState]{Name: "account_status", Run: e.stepAccountStatus},
		flows.Step[loginState]{Name: "reset_lockout", Run: e.stepResetLockout},
		flows.Step[loginState]{Name: "upgrade_hash", Run: e.stepUpgradeHash},
		flows.Step[loginState]{Name: "two_factor_gate", Run: e.stepTwoFactorGate},
		flows.Step[loginState]{Name: "issue_tokens", Run: e.stepIssueTokens},
	)
	if err != nil {
		e.logger.DebugContext(ctx, "login rejected", "step", step)
		return nil, err
	}
	return state.result, nil
}

func (e *Engine) stepRateLimit(ctx context.Context, s *loginState) flows.Result {
	retryIn, err := e.rate.Allow(ctx, rate.ScopeLogin, s.identifier, s.ip)
	if err == nil {
		return flows.Next()
	}
	if errors.Is(err, rate.ErrLimited) {
		e.metricInc(MetricLoginRateLimited)
		return flows.Reject(&RetryAfterError{Err: ErrRateLimited, RetryAfter: retryIn})
	}
	return flows.Reject(e.backendErr("rate limiter", err))
}

func (e *Engine) stepLockoutCheck(ctx context.Context, s *loginState) flows.Result {
	locked, retryIn, err := e.lockout.Check(ctx, s.identifier)
	if err != nil {
		return flows.Reject(e.backendErr("lockout check", err))
	}
	if locked {
		e.metricInc(MetricLoginLocked)
		return flows.Reject(&RetryAfterError{Err: ErrAccountLocked, RetryAfter: retryIn})
	}
	return flows.Next()
}

func (e *Engine) stepLoadAccount(ctx context.Context, s *loginState) flows.Result {
	var account *Account
	err := e.storeCall(ctx, func(ctx context.Context) error {
		var lookupErr error
		account, lookupErr = e.accounts.AccountByEmail(ctx, s.identifier)
		return lookupErr
	})
	switch {
	case err == nil:
		s.account = account
		return flows.Next()
	case errors.Is(err, ErrAccountNotFound):
		// Fall through to the dummy verify so timing stays flat.
		return flows.Next()
	default:
		return flows.Reject(e.backendErr("account lookup", err))
	}
}

func (e *Engine) stepVerifyPassword(ctx context.Context, s *loginState) flows.Result {
	hash := e.dummyHash
	if s.account != nil {
		hash = s.account.PasswordHash
	}

	ok, err := e.hasher.Verify(s.password, hash)
	if err != nil {
		return flows.Reject(e.backendErr("password verify", err))
	}
	if s.account == nil || !ok {
		e.metricInc(MetricLoginFailure)
		if _, _, recErr := e.lockout.RecordFailure(ctx, s.identifier); recErr != nil {
			return flows.Reject(e.backendErr("lockout record", recErr))
		}
		return flows.Reject(ErrInvalidCredentials)
	}
	return flows.Next()
}

func (e *Engine) stepAccountStatus(_ context.Context, s *loginState) flows.Result {
	switch s.account.Status {
	case AccountDisabled, AccountDeleted:
		return flows.Reject(ErrAccountDisabled)
	case AccountPendingVerification:
		return flows.Reject(ErrEmailNotVerified)
	}
	if !s.account.EmailVerified {
		return flows.Reject(ErrEmailNotVerified)
	}
	return flows.Next()
}

func (e *Engine) stepResetLockout(ctx context.Context, s *loginState) flows.Result {
	if err := e.lockout.RecordSuccess(ctx, s.identifier); err != nil {
		return flows.Reject(e.backendErr("lockout reset", err))
	}
	return flows.Next()
}

func (e *Engine) stepUpgradeHash(ctx context.Context, s *loginState) flows.Result {
	if !e.config.Password.UpgradeOnLogin {
		return flows.Next()
	}
	needs, err := e.hasher.NeedsUpgrade(s.account.PasswordHash)
	if err != nil || !needs {
		return flows.Next()
	}
	// Best effort: a failed upgrade must not fail the login.
	newHash, err := e.hasher.Hash(s.password)
	if err == nil {
		err = e.storeCall(ctx, func(ctx context.Context) error {
			return e.accounts.UpdatePasswordHash(ctx, s.account.ID, newHash)
		})
	}
	if err != nil {
		e.logger.WarnContext(ctx, "password hash upgrade failed", "account", s.account.ID)
	}
	return flows.Next()
}

func (e *Engine) stepTwoFactorGate(ctx context.Context, s *loginState) flows.Result {
	if s.account.TOTPSecret == nil || !s.account.TOTPConfirmed {
		return flows.Next()
	}

	challengeID := uuid.NewString()
	record := &loginChallenge{
		AccountID:  s.account.ID,
		ExpiresAt:  e.now().Add(e.config.Challenge.TTL).Unix(),
		RememberMe: s.rememberMe,
	}
	if err := e.challenges.Save(ctx, challengeID, record, e.config.Challenge.TTL); err != nil {
		return flows.Reject(e.backendErr("challenge save", err))
	}

	e.metricInc(MetricChallengeIssued)
	s.result = &LoginResult{TwoFactorRequired: true, ChallengeID: challengeID}
	return flows.Stop()
}

func (e *Engine) stepIssueTokens(ctx context.Context, s *loginState) flows.Result {
	result, err := e.issueTokens(ctx, s.account, s.rememberMe, refresh.Device{IP: s.ip, UserAgent: s.userAgent})
	if err != nil {
		return flows.Reject(err)
	}
	e.metricInc(MetricLoginSuccess)
	s.result = result
	return flows.Stop()
}

// CompleteTwoFactor exchanges a pending login challenge plus a TOTP or backup
// code for a full token pair. Wrong codes count against the challenge's own
// attempt budget, never against the primary-credential lockout counter; the
// challenge is consumed by success or by exhausting that budget.
func (e *Engine) CompleteTwoFactor(ctx context.Context, challengeID, code string, isBackupCode bool) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	if retryIn, err := e.rate.Allow(ctx, rate.ScopeTwoFactor, challengeID, ip); err != nil {
		if errors.Is(err, rate.ErrLimited) {
			return nil, &RetryAfterError{Err: ErrRateLimited, RetryAfter: retryIn}
		}
		return nil, e.backendErr("rate limiter", err)
	}

	record, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, errChallengeNotFound) || errors.Is(err, errChallengeExpired) {
			return nil, ErrChallengeExpired
		}
		return nil, e.backendErr("challenge load", err)
	}

	var account *Account
	err = e.storeCall(ctx, func(ctx context.Context) error {
		var lookupErr error
		account, lookupErr = e.accounts.AccountByID(ctx, record.AccountID)
		return lookupErr
	})
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrChallengeExpired
		}
		return nil, e.backendErr("account lookup", err)
	}

	passed, err := e.verifySecondFactor(ctx, account, code, isBackupCode)
	if err != nil {
		return nil, err
	}
	if !passed {
		e.metricInc(MetricTwoFactorFailure)
		if _, err := e.challenges.RecordFailure(ctx, challengeID, e.config.Challenge.MaxAttempts); err != nil &&
			!errors.Is(err, errChallengeNotFound) && !errors.Is(err, errChallengeExpired) {
			return nil, e.backendErr("challenge record", err)
		}
		return nil, ErrTwoFactorInvalid
	}

	// Single use: exactly one concurrent completion can consume the challenge.
	consumed, err := e.challenges.Consume(ctx, challengeID)
	if err != nil {
		return nil, e.backendErr("challenge consume", err)
	}
	if !consumed {
		return nil, ErrChallengeExpired
	}

	result, err := e.issueTokens(ctx, account, record.RememberMe, refresh.Device{
		IP:        ip,
		UserAgent: userAgentFromContext(ctx),
	})
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricTwoFactorSuccess)
	return result, nil
}

// Refresh redeems a refresh token for a new token pair. The presented token
// is atomically revoked as its successor is created; a replayed token fails
// with [ErrTokenRevoked] and never yields a second pair.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	if retryIn, err := e.rate.Allow(ctx, rate.ScopeRefresh, refreshToken, ip); err != nil {
		if errors.Is(err, rate.ErrLimited) {
			return nil, &RetryAfterError{Err: ErrRateLimited, RetryAfter: retryIn}
		}
		return nil, e.backendErr("rate limiter", err)
	}

	accountID, newToken, rec, err := e.refresh.Redeem(ctx, refreshToken, refresh.Device{
		IP:        ip,
		UserAgent: userAgentFromContext(ctx),
	})
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrRevoked):
			e.metricInc(MetricRefreshReuse)
			e.logger.WarnContext(ctx, "refresh token replay detected", "ip", ip)
			return nil, ErrTokenRevoked
		case errors.Is(err, refresh.ErrExpired):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrTokenExpired
		case errors.Is(err, refresh.ErrNotFound):
			e.metricInc(MetricRefreshFailure)
			return nil, ErrTokenNotFound
		default:
			return nil, e.backendErr("refresh redeem", err)
		}
	}

	var account *Account
	err = e.storeCall(ctx, func(ctx context.Context) error {
		var lookupErr error
		account, lookupErr = e.accounts.AccountByID(ctx, accountID)
		return lookupErr
	})
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, e.backendErr("account lookup", err)
	}
	if account.Status != AccountActive {
		// The account went away under the chain; cut it.
		if _, revErr := e.refresh.RevokeAll(ctx, accountID); revErr != nil {
			e.logger.WarnContext(ctx, "revoke-all after status change failed", "account", accountID)
		}
		return nil, ErrAccountDisabled
	}

	access, expiresAt, err := e.jwt.Sign(account.ID, account.Roles, rec.ID, e.now())
	if err != nil {
		return nil, e.backendErr("access sign", err)
	}

	e.metricInc(MetricRefreshSuccess)
	return &LoginResult{
		AccessToken:  access,
		RefreshToken: newToken,
		ExpiresAt:    expiresAt,
		AccountID:    account.ID,
	}, nil
}

// VerifyAccess checks an access token and returns the identity it proves.
// Pure and lock-free: signature and expiry only, no store round-trips.
// [ErrTokenExpired] is distinct so callers can drive a refresh.
func (e *Engine) VerifyAccess(token string) (*Identity, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.jwt.Verify(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			e.metricInc(MetricVerifyExpired)
			return nil, ErrTokenExpired
		}
		e.metricInc(MetricVerifyInvalid)
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	return &Identity{
		AccountID: claims.Subject,
		Roles:     claims.Roles,
		SessionID: claims.SID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes the presented refresh token. Idempotent; the access token
// simply ages out.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.refresh.Revoke(ctx, refreshToken); err != nil {
		return e.backendErr("refresh revoke", err)
	}
	e.metricInc(MetricLogout)
	return nil
}

// LogoutAll revokes every outstanding refresh token for the account and
// returns how many were live.
func (e *Engine) LogoutAll(ctx context.Context, accountID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	n, err := e.refresh.RevokeAll(ctx, accountID)
	if err != nil {
		return 0, e.backendErr("refresh revoke-all", err)
	}
	e.metricInc(MetricLogoutAll)
	return n, nil
}

func (e *Engine) issueTokens(ctx context.Context, account *Account, rememberMe bool, dev refresh.Device) (*LoginResult, error) {
	ttl := e.config.Tokens.RefreshTTL
	if rememberMe && e.config.Tokens.RememberMeRefreshTTL > 0 {
		ttl = e.config.Tokens.RememberMeRefreshTTL
	}

	plaintext, rec, err := e.refresh.Issue(ctx, account.ID, ttl, dev)
	if err != nil {
		return nil, e.backendErr("refresh issue", err)
	}

	access, expiresAt, err := e.jwt.Sign(account.ID, account.Roles, rec.ID, e.now())
	if err != nil {
		return nil, e.backendErr("access sign", err)
	}

	return &LoginResult{
		AccessToken:  access,
		RefreshToken: plaintext,
		ExpiresAt:    expiresAt,
		AccountID:    account.ID,
	}, nil
}

// storeCall bounds one external round-trip with the configured timeout and
// retries it once when the failure was a timeout. A second timeout surfaces
// as the original error for the caller to classify.
func (e *Engine) storeCall(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(25*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.config.Store.Timeout)
		defer cancel()
		err := op(callCtx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// backendErr classifies an infrastructure failure. It is logged and counted
// here so callers can return it directly; it is never folded into an
// authentication failure.
func (e *Engine) backendErr(op string, err error) error {
	e.metricInc(MetricBackendError)
	e.logger.Error("auth backend failure", "op", op, "err", err)
	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, op, err)
}
