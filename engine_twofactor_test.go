package authcore_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stayloop/authcore"
)

func TestTOTPEnrollmentHandshake(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	ctx := t.Context()

	info, err := env.engine.BeginTOTPEnrollment(ctx, account.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.SecretBase32 == "" || !strings.HasPrefix(info.ProvisionURI, "otpauth://totp/") {
		t.Fatalf("enrollment info: %+v", info)
	}

	// A pending enrollment does not gate login.
	if res, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false); err != nil || res.TwoFactorRequired {
		t.Fatalf("pending enrollment gated login: res=%+v err=%v", res, err)
	}

	// Wrong code cannot confirm.
	if _, err := env.engine.ConfirmTOTPEnrollment(ctx, account.ID, "000000"); !errors.Is(err, authcore.ErrTwoFactorInvalid) {
		t.Fatalf("confirm with wrong code: %v", err)
	}

	codes, err := env.engine.ConfirmTOTPEnrollment(ctx, account.ID, totpAt(t, info.SecretBase32, env.clock.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if len(codes) != env.config.TOTP.BackupCodeCount {
		t.Fatalf("backup codes = %d, want %d", len(codes), env.config.TOTP.BackupCodeCount)
	}
	for _, code := range codes {
		if !strings.Contains(code, "-") {
			t.Fatalf("backup code %q not formatted for reading", code)
		}
	}

	// Re-enrollment over an active factor is refused.
	if _, err := env.engine.BeginTOTPEnrollment(ctx, account.ID); !errors.Is(err, authcore.ErrTwoFactorAlreadyEnabled) {
		t.Fatalf("re-enroll: %v", err)
	}
}

func TestLoginWithTOTPRequiresChallenge(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	secret, _ := env.enrollTOTP(t, account.ID)
	ctx := t.Context()

	res, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TwoFactorRequired || res.ChallengeID == "" {
		t.Fatalf("expected challenge, got %+v", res)
	}
	// No tokens may leak before the second factor.
	if res.AccessToken != "" || res.RefreshToken != "" {
		t.Fatal("tokens issued before second factor")
	}

	// Next time step, so the confirm-time code is not replayed.
	env.clock.Advance(30 * time.Second)
	final, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, totpAt(t, secret, env.clock.Now()), false)
	if err != nil {
		t.Fatal(err)
	}
	if final.AccessToken == "" || final.RefreshToken == "" || final.AccountID != account.ID {
		t.Fatalf("completion result: %+v", final)
	}

	// The challenge was consumed by success.
	env.clock.Advance(30 * time.Second)
	if _, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, totpAt(t, secret, env.clock.Now()), false); !errors.Is(err, authcore.ErrChallengeExpired) {
		t.Fatalf("reused challenge: %v", err)
	}
}

func TestTOTPCodeReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	secret, _ := env.enrollTOTP(t, account.ID)
	ctx := t.Context()

	env.clock.Advance(30 * time.Second)
	code := totpAt(t, secret, env.clock.Now())

	first, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.CompleteTwoFactor(ctx, first.ChallengeID, code, false); err != nil {
		t.Fatal(err)
	}

	// Same code, same time step, new challenge: must be refused.
	second, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.CompleteTwoFactor(ctx, second.ChallengeID, code, false); !errors.Is(err, authcore.ErrTwoFactorInvalid) {
		t.Fatalf("replayed code: %v", err)
	}

	// The next step's code works on the same still-live challenge flow.
	env.clock.Advance(30 * time.Second)
	if _, err := env.engine.CompleteTwoFactor(ctx, second.ChallengeID, totpAt(t, secret, env.clock.Now()), false); err != nil {
		t.Fatalf("fresh code after replay attempt: %v", err)
	}
}

func TestTwoFactorFailuresDoNotTouchPrimaryLockout(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	env.enrollTOTP(t, account.ID)
	ctx := t.Context()

	res, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}

	// Enough wrong codes to trip the primary lockout threshold, were they
	// counted there.
	for i := 0; i < 4; i++ {
		if _, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, "000000", false); !errors.Is(err, authcore.ErrTwoFactorInvalid) {
			t.Fatalf("wrong code %d: %v", i+1, err)
		}
	}

	// Primary login is unaffected: correct password still yields a challenge,
	// not a lockout.
	again, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatalf("primary login after 2FA failures: %v", err)
	}
	if !again.TwoFactorRequired {
		t.Fatalf("expected challenge: %+v", again)
	}
}

func TestChallengeAttemptBudgetConsumesChallenge(t *testing.T) {
	env := newTestEnv(t, func(cfg *authcore.Config) {
		cfg.Challenge.MaxAttempts = 3
	})
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	secret, _ := env.enrollTOTP(t, account.ID)
	ctx := t.Context()

	res, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, "000000", false); !errors.Is(err, authcore.ErrTwoFactorInvalid) {
			t.Fatalf("wrong code %d: %v", i+1, err)
		}
	}

	// Budget exhausted: even the correct code is now refused and the client
	// must restart from primary login.
	env.clock.Advance(30 * time.Second)
	if _, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, totpAt(t, secret, env.clock.Now()), false); !errors.Is(err, authcore.ErrChallengeExpired) {
		t.Fatalf("after exhausted budget: %v", err)
	}
}

func TestChallengeExpiresByTTL(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	secret, _ := env.enrollTOTP(t, account.ID)
	ctx := t.Context()

	res, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}

	env.clock.Advance(env.config.Challenge.TTL + time.Minute)
	if _, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, totpAt(t, secret, env.clock.Now()), false); !errors.Is(err, authcore.ErrChallengeExpired) {
		t.Fatalf("stale challenge: %v", err)
	}
}

func TestBackupCodeLogin(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	_, codes := env.enrollTOTP(t, account.ID)
	ctx := t.Context()

	res, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}

	// Codes are accepted however the user types them.
	sloppy := strings.ToLower(strings.ReplaceAll(codes[0], "-", " "))
	final, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, sloppy, true)
	if err != nil {
		t.Fatal(err)
	}
	if final.AccessToken == "" {
		t.Fatal("backup code completion must issue tokens")
	}

	// A spent code never works again.
	again, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.CompleteTwoFactor(ctx, again.ChallengeID, codes[0], true); !errors.Is(err, authcore.ErrTwoFactorInvalid) {
		t.Fatalf("reused backup code: %v", err)
	}
	// A different unspent code still does.
	if _, err := env.engine.CompleteTwoFactor(ctx, again.ChallengeID, codes[1], true); err != nil {
		t.Fatalf("second backup code: %v", err)
	}
}

func TestRegenerateBackupCodesVoidsOldOnes(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	secret, oldCodes := env.enrollTOTP(t, account.ID)
	ctx := t.Context()

	env.clock.Advance(30 * time.Second)
	newCodes, err := env.engine.RegenerateBackupCodes(ctx, account.ID, totpAt(t, secret, env.clock.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if len(newCodes) != env.config.TOTP.BackupCodeCount {
		t.Fatalf("new codes = %d", len(newCodes))
	}

	res, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, oldCodes[0], true); !errors.Is(err, authcore.ErrTwoFactorInvalid) {
		t.Fatalf("voided code accepted: %v", err)
	}
	if _, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, newCodes[0], true); err != nil {
		t.Fatalf("fresh code rejected: %v", err)
	}
}

func TestDisableTOTP(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	secret, _ := env.enrollTOTP(t, account.ID)
	ctx := t.Context()

	// Disabling demands a live code, not just an authenticated session.
	if err := env.engine.DisableTOTP(ctx, account.ID, "000000"); !errors.Is(err, authcore.ErrTwoFactorInvalid) {
		t.Fatalf("disable with wrong code: %v", err)
	}

	env.clock.Advance(30 * time.Second)
	if err := env.engine.DisableTOTP(ctx, account.ID, totpAt(t, secret, env.clock.Now())); err != nil {
		t.Fatal(err)
	}

	// Login goes straight to tokens again.
	res, err := env.engine.Login(ctx, "a@x.com", "Secret123!", false)
	if err != nil {
		t.Fatal(err)
	}
	if res.TwoFactorRequired {
		t.Fatal("challenge issued after disable")
	}

	if err := env.engine.DisableTOTP(ctx, account.ID, "000000"); !errors.Is(err, authcore.ErrTwoFactorNotEnabled) {
		t.Fatalf("double disable: %v", err)
	}
}

func TestRememberMeSurvivesTwoFactor(t *testing.T) {
	env := newTestEnv(t)
	account := env.seedAccount(t, "a@x.com", "Secret123!")
	secret, _ := env.enrollTOTP(t, account.ID)
	ctx := t.Context()

	res, err := env.engine.Login(ctx, "a@x.com", "Secret123!", true)
	if err != nil {
		t.Fatal(err)
	}
	env.clock.Advance(30 * time.Second)
	final, err := env.engine.CompleteTwoFactor(ctx, res.ChallengeID, totpAt(t, secret, env.clock.Now()), false)
	if err != nil {
		t.Fatal(err)
	}

	// The remember-me choice made at primary login carries into the session
	// issued after the second factor.
	env.clock.Advance(env.config.Tokens.RefreshTTL + 24*time.Hour)
	if _, err := env.engine.Refresh(ctx, final.RefreshToken); err != nil {
		t.Fatalf("remember-me session expired early: %v", err)
	}
}
