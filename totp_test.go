package authcore

import (
	"strings"
	"testing"
	"time"
)

// RFC 6238 Appendix B test vectors, 8-digit codes over the ASCII secrets the
// RFC prescribes per algorithm.
func TestTOTPReferenceVectors(t *testing.T) {
	secretSHA1 := []byte("12345678901234567890")
	secretSHA256 := []byte("12345678901234567890123456789012")
	secretSHA512 := []byte("1234567890123456789012345678901234567890123456789012345678901234")

	cases := []struct {
		unix      int64
		algorithm string
		secret    []byte
		want      string
	}{
		{59, "SHA1", secretSHA1, "94287082"},
		{59, "SHA256", secretSHA256, "46119246"},
		{59, "SHA512", secretSHA512, "90693936"},
		{1111111109, "SHA1", secretSHA1, "07081804"},
		{1111111111, "SHA1", secretSHA1, "14050471"},
		{1234567890, "SHA1", secretSHA1, "89005924"},
		{2000000000, "SHA1", secretSHA1, "69279037"},
		{2000000000, "SHA256", secretSHA256, "90698825"},
		{2000000000, "SHA512", secretSHA512, "38618901"},
	}

	for _, tc := range cases {
		step := tc.unix / 30
		got, err := hotpCode(tc.secret, step, 8, tc.algorithm)
		if err != nil {
			t.Fatalf("hotpCode(%d, %s): %v", tc.unix, tc.algorithm, err)
		}
		if got != tc.want {
			t.Errorf("t=%d %s: got %s, want %s", tc.unix, tc.algorithm, got, tc.want)
		}
	}
}

func TestTOTPVerifySkewWindow(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Digits: 6, Period: 30, Skew: 1, Algorithm: "SHA1"})
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111109, 0)

	current, err := hotpCode(secret, now.Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatal(err)
	}
	previous, err := hotpCode(secret, now.Unix()/30-1, 6, "SHA1")
	if err != nil {
		t.Fatal(err)
	}
	twoBack, err := hotpCode(secret, now.Unix()/30-2, 6, "SHA1")
	if err != nil {
		t.Fatal(err)
	}

	ok, step, err := m.VerifyCode(secret, current, now)
	if err != nil || !ok {
		t.Fatalf("current code rejected: ok=%v err=%v", ok, err)
	}
	if step != now.Unix()/30 {
		t.Fatalf("matched step = %d, want %d", step, now.Unix()/30)
	}

	if ok, step, _ := m.VerifyCode(secret, previous, now); !ok || step != now.Unix()/30-1 {
		t.Fatalf("previous-step code within skew rejected: ok=%v step=%d", ok, step)
	}
	if ok, _, _ := m.VerifyCode(secret, twoBack, now); ok {
		t.Fatal("code two steps back accepted outside skew window")
	}
}

func TestTOTPVerifyRejectsBadInput(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Digits: 6, Period: 30, Skew: 1})
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111109, 0)

	for _, code := range []string{"", "12345", "1234567", "12345a", "abc def"} {
		if ok, _, err := m.VerifyCode(secret, code, now); ok || err != nil {
			t.Errorf("code %q: ok=%v err=%v, want plain rejection", code, ok, err)
		}
	}
	if _, _, err := m.VerifyCode(nil, "123456", now); err == nil {
		t.Fatal("empty secret must error, not silently reject")
	}
}

func TestTOTPProvisionURI(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Issuer: "stayloop", Digits: 6, Period: 30, Skew: 1, Algorithm: "SHA1"})
	_, secretBase32, err := m.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	uri := m.ProvisionURI(secretBase32, "guest@example.com")

	for _, want := range []string{
		"otpauth://totp/",
		"issuer=stayloop",
		"secret=" + secretBase32,
		"digits=6",
		"period=30",
		"algorithm=SHA1",
	} {
		if !strings.Contains(uri, want) {
			t.Errorf("provision URI missing %q: %s", want, uri)
		}
	}
}
