package authcore

import (
	"context"
	"time"
)

// AccountStatus represents the lifecycle state of a marketplace account.
type AccountStatus uint8

const (
	// AccountActive is the normal state; login is permitted.
	AccountActive AccountStatus = iota
	// AccountPendingVerification marks an account whose email is unverified.
	AccountPendingVerification
	// AccountDisabled marks an account suspended by admin tooling.
	AccountDisabled
	// AccountDeleted marks a soft-deleted account.
	AccountDeleted
)

// Account is the identity record referenced by this subsystem. It is owned by
// the external account store; the engine reads it on every login and mutates
// only the two-factor fields (through the dedicated [AccountStore] methods).
type Account struct {
	ID            string
	Email         string
	PasswordHash  string
	Roles         []string
	EmailVerified bool
	Status        AccountStatus

	// TOTPSecret is the raw shared secret, nil when no enrollment exists.
	// TOTPConfirmed distinguishes a pending enrollment from active 2FA.
	TOTPSecret    []byte
	TOTPConfirmed bool
}

// BackupCodeRecord stores the SHA-256 hash of a single backup code. The
// plaintext is shown to the user once and never persisted.
type BackupCodeRecord struct {
	Hash [32]byte
}

// AccountStore is the persistence contract the engine consumes. Implementations
// ship in stores/postgres and stores/memory; callers may bring their own.
//
// Every method must honor ctx cancellation. Infrastructure failures should be
// returned as-is — the engine wraps them in [ErrBackendUnavailable] and never
// reports them as authentication failures.
type AccountStore interface {
	// AccountByEmail returns ErrAccountNotFound for unknown identifiers.
	AccountByEmail(ctx context.Context, email string) (*Account, error)
	AccountByID(ctx context.Context, id string) (*Account, error)

	// UpdatePasswordHash supports transparent hash upgrades on login.
	UpdatePasswordHash(ctx context.Context, id, hash string) error

	// SetTOTPSecret stores an unconfirmed enrollment secret.
	SetTOTPSecret(ctx context.Context, id string, secret []byte) error
	// ConfirmTOTP activates the pending secret.
	ConfirmTOTP(ctx context.Context, id string) error
	// ClearTOTP removes the secret, confirmed flag, and all backup codes.
	ClearTOTP(ctx context.Context, id string) error
	// TOTPLastUsedStep / SetTOTPLastUsedStep provide replay protection: a TOTP
	// code is accepted at most once per time step.
	TOTPLastUsedStep(ctx context.Context, id string) (int64, error)
	SetTOTPLastUsedStep(ctx context.Context, id string, step int64) error

	ReplaceBackupCodes(ctx context.Context, id string, codes []BackupCodeRecord) error
	// ConsumeBackupCode atomically marks the matching code spent. Returns false
	// when no unspent code matches; a consumed code must never match again.
	ConsumeBackupCode(ctx context.Context, id string, hash [32]byte) (bool, error)
}

// Identity is the verified per-request identity attached to the request context
// by middleware.Guard and returned by [Engine.VerifyAccess].
type Identity struct {
	AccountID string
	Roles     []string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether the identity carries the named role.
func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// LoginResult is returned by [Engine.Login] and [Engine.CompleteTwoFactor].
// Either the token fields are set, or TwoFactorRequired is true and ChallengeID
// names the pending challenge.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string

	TwoFactorRequired bool
	ChallengeID       string
}

// EnrollmentInfo is returned by [Engine.BeginTOTPEnrollment]. The secret is
// shown to the user exactly once, alongside the otpauth:// provisioning URI.
type EnrollmentInfo struct {
	SecretBase32 string
	ProvisionURI string
}
