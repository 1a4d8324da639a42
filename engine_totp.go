package authcore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"strings"
)

// backupCodeAlphabet omits ambiguous glyphs (0/O, 1/I) so codes survive being
// read off paper.
const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// BeginTOTPEnrollment generates a TOTP secret for the account and stores it
// unconfirmed. Two-factor is not active until [Engine.ConfirmTOTPEnrollment]
// succeeds; restarting enrollment simply overwrites the pending secret.
func (e *Engine) BeginTOTPEnrollment(ctx context.Context, accountID string) (*EnrollmentInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.accountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.TOTPConfirmed {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, e.backendErr("totp secret", err)
	}
	err = e.storeCall(ctx, func(ctx context.Context) error {
		return e.accounts.SetTOTPSecret(ctx, accountID, secret)
	})
	if err != nil {
		return nil, e.backendErr("totp secret save", err)
	}

	return &EnrollmentInfo{
		SecretBase32: secretBase32,
		ProvisionURI: e.totp.ProvisionURI(secretBase32, account.Email),
	}, nil
}

// ConfirmTOTPEnrollment validates a live code against the pending secret,
// activates two-factor, and returns the freshly generated single-use backup
// codes. The plaintext codes are shown exactly once.
func (e *Engine) ConfirmTOTPEnrollment(ctx context.Context, accountID, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.accountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.TOTPConfirmed {
		return nil, ErrTwoFactorAlreadyEnabled
	}
	if len(account.TOTPSecret) == 0 {
		return nil, ErrTwoFactorNotEnabled
	}

	ok, step, err := e.totp.VerifyCode(account.TOTPSecret, code, e.now())
	if err != nil {
		return nil, e.backendErr("totp verify", err)
	}
	if !ok {
		e.metricInc(MetricTwoFactorFailure)
		return nil, ErrTwoFactorInvalid
	}

	err = e.storeCall(ctx, func(ctx context.Context) error {
		if err := e.accounts.ConfirmTOTP(ctx, accountID); err != nil {
			return err
		}
		return e.accounts.SetTOTPLastUsedStep(ctx, accountID, step)
	})
	if err != nil {
		return nil, e.backendErr("totp confirm", err)
	}

	return e.replaceBackupCodes(ctx, accountID)
}

// DisableTOTP clears the account's two-factor state. It requires a valid live
// TOTP code: possession of the account password alone must not be enough to
// strip the second factor.
func (e *Engine) DisableTOTP(ctx context.Context, accountID, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}

	account, err := e.accountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.TOTPConfirmed {
		return ErrTwoFactorNotEnabled
	}

	passed, err := e.verifyTOTPCode(ctx, account)(code)
	if err != nil {
		return err
	}
	if !passed {
		e.metricInc(MetricTwoFactorFailure)
		return ErrTwoFactorInvalid
	}

	err = e.storeCall(ctx, func(ctx context.Context) error {
		return e.accounts.ClearTOTP(ctx, accountID)
	})
	if err != nil {
		return e.backendErr("totp clear", err)
	}
	return nil
}

// RegenerateBackupCodes replaces the account's backup codes, voiding any
// unspent ones. Requires a valid live TOTP code.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, accountID, code string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	account, err := e.accountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.TOTPConfirmed {
		return nil, ErrTwoFactorNotEnabled
	}

	passed, err := e.verifyTOTPCode(ctx, account)(code)
	if err != nil {
		return nil, err
	}
	if !passed {
		e.metricInc(MetricTwoFactorFailure)
		return nil, ErrTwoFactorInvalid
	}

	return e.replaceBackupCodes(ctx, accountID)
}

// verifySecondFactor checks a live TOTP code or a backup code during login
// completion. A matching backup code is consumed immediately, before any
// token issuance, so it can never be spent twice even if a later step fails.
func (e *Engine) verifySecondFactor(ctx context.Context, account *Account, code string, isBackupCode bool) (bool, error) {
	if isBackupCode {
		hash := backupCodeHash(account.ID, canonicalizeBackupCode(code))
		var consumed bool
		err := e.storeCall(ctx, func(ctx context.Context) error {
			var consumeErr error
			consumed, consumeErr = e.accounts.ConsumeBackupCode(ctx, account.ID, hash)
			return consumeErr
		})
		if err != nil {
			return false, e.backendErr("backup code consume", err)
		}
		if consumed {
			e.metricInc(MetricBackupCodeUsed)
		}
		return consumed, nil
	}
	return e.verifyTOTPCode(ctx, account)(code)
}

// verifyTOTPCode returns a checker bound to the account that enforces the
// one-use-per-step replay rule.
func (e *Engine) verifyTOTPCode(ctx context.Context, account *Account) func(code string) (bool, error) {
	return func(code string) (bool, error) {
		if len(account.TOTPSecret) == 0 {
			return false, nil
		}
		ok, step, err := e.totp.VerifyCode(account.TOTPSecret, code, e.now())
		if err != nil {
			return false, e.backendErr("totp verify", err)
		}
		if !ok {
			return false, nil
		}

		var lastStep int64
		err = e.storeCall(ctx, func(ctx context.Context) error {
			var stepErr error
			lastStep, stepErr = e.accounts.TOTPLastUsedStep(ctx, account.ID)
			return stepErr
		})
		if err != nil {
			return false, e.backendErr("totp step load", err)
		}
		// A code is valid for exactly one authentication per time step.
		if step <= lastStep {
			return false, nil
		}
		err = e.storeCall(ctx, func(ctx context.Context) error {
			return e.accounts.SetTOTPLastUsedStep(ctx, account.ID, step)
		})
		if err != nil {
			return false, e.backendErr("totp step save", err)
		}
		return true, nil
	}
}

func (e *Engine) replaceBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	count := e.config.TOTP.BackupCodeCount
	length := e.config.TOTP.BackupCodeLength

	records := make([]BackupCodeRecord, 0, count)
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw, err := newBackupCode(length)
		if err != nil {
			return nil, e.backendErr("backup code generate", err)
		}
		records = append(records, BackupCodeRecord{Hash: backupCodeHash(accountID, raw)})
		codes = append(codes, formatBackupCode(raw))
	}

	err := e.storeCall(ctx, func(ctx context.Context) error {
		return e.accounts.ReplaceBackupCodes(ctx, accountID, records)
	})
	if err != nil {
		return nil, e.backendErr("backup code save", err)
	}
	return codes, nil
}

func (e *Engine) accountByID(ctx context.Context, accountID string) (*Account, error) {
	var account *Account
	err := e.storeCall(ctx, func(ctx context.Context) error {
		var lookupErr error
		account, lookupErr = e.accounts.AccountByID(ctx, accountID)
		return lookupErr
	})
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, e.backendErr("account lookup", err)
	}
	return account, nil
}

func newBackupCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeAlphabet))))
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// canonicalizeBackupCode accepts codes however the user typed them: spaces,
// dashes, and case are ignored.
func canonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

// backupCodeHash binds the code to the account so identical codes on
// different accounts hash differently.
func backupCodeHash(accountID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(accountID)+1+len(canonicalCode))
	data = append(data, accountID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}

// formatBackupCode inserts a midpoint dash for readability; canonicalization
// strips it on entry.
func formatBackupCode(code string) string {
	if len(code) < 8 {
		return code
	}
	mid := len(code) / 2
	return code[:mid] + "-" + code[mid:]
}
