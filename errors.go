package authcore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials is the generic rejection for any primary-credential
	// failure. Unknown identifier and wrong password are deliberately
	// indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked rejects login while the lockout window is active.
	// Wrapped in a [RetryAfterError] carrying the remaining duration.
	ErrAccountLocked = errors.New("account locked")
	// ErrRateLimited rejects a request once the volumetric budget for its
	// window is exhausted. Wrapped in a [RetryAfterError].
	ErrRateLimited = errors.New("rate limited")

	// ErrTokenExpired is returned by access-token verification for a token that
	// is well-formed and correctly signed but past its expiry. It is surfaced
	// distinctly because clients use it to trigger a refresh.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed covers undecodable or bad-signature tokens.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrTokenRevoked is returned when a presented refresh token was already
	// redeemed or explicitly revoked.
	ErrTokenRevoked = errors.New("refresh token revoked")
	// ErrTokenNotFound is returned when no record exists for a presented
	// refresh token.
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrTwoFactorRequired signals that primary credentials were accepted and a
	// second factor must be presented against the issued challenge.
	ErrTwoFactorRequired = errors.New("two-factor verification required")
	// ErrTwoFactorInvalid is the generic rejection for a wrong TOTP or backup
	// code.
	ErrTwoFactorInvalid = errors.New("invalid two-factor code")
	// ErrTwoFactorNotEnabled is returned by 2FA management operations when the
	// account has no confirmed TOTP enrollment.
	ErrTwoFactorNotEnabled = errors.New("two-factor not enabled")
	// ErrTwoFactorAlreadyEnabled rejects re-enrollment over a confirmed secret.
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled")
	// ErrChallengeExpired is returned when a login challenge is unknown, past
	// its TTL, or consumed by exhausting its attempt budget.
	ErrChallengeExpired = errors.New("two-factor challenge expired")

	// ErrAccountDisabled rejects login on suspended or deleted accounts. Only
	// surfaced after the password verified, so it reveals nothing to guessing.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrEmailNotVerified rejects login until the address is confirmed. Same
	// post-verification surfacing rule as ErrAccountDisabled.
	ErrEmailNotVerified = errors.New("email not verified")

	// ErrBackendUnavailable wraps infrastructure failures (store timeouts,
	// unreachable Redis or Postgres). It is never a statement about the
	// presented credentials.
	ErrBackendUnavailable = errors.New("auth backend unavailable")
	// ErrAccountNotFound is returned by [AccountStore] implementations; the
	// engine normalizes it to [ErrInvalidCredentials] on the login path.
	ErrAccountNotFound = errors.New("account not found")
	// ErrEngineNotReady is returned when an Engine method is called on a nil or
	// unbuilt engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// RetryAfterError decorates [ErrAccountLocked] and [ErrRateLimited] with the
// remaining wait. errors.Is against the wrapped sentinel still matches.
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter.Round(time.Second))
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter extracts the wait hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter, true
	}
	return 0, false
}
