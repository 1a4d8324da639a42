// Package refresh issues, redeems, and revokes the opaque rotating refresh
// tokens that pair with the stateless access tokens.
//
// # Token format
//
// A plaintext token is base64url(id[16] || secret[32]). The id locates the
// server-side record; the secret never touches storage — the record retains
// only its SHA-256 hash. The plaintext is returned to the client exactly once
// at issue or rotation time and cannot be recovered afterwards.
//
// # Rotation invariant
//
// A live record is redeemable exactly once. Redemption is a single Lua script
// against Redis that checks the secret hash, marks the record revoked with a
// pointer to its successor, and creates the successor — so two concurrent
// redemptions of the same token can never both succeed.
package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

const (
	idSize     = 16
	secretSize = 32
	rawSize    = idSize + secretSize
)

// ErrMalformed marks a plaintext token that does not decode to the expected
// shape. It carries no information about whether any record exists.
var ErrMalformed = errors.New("refresh token malformed")

// newToken mints a fresh (id, secret, plaintext) triple.
func newToken() (id string, secretHash [32]byte, plaintext string, err error) {
	tokenID := uuid.New()

	var secret [secretSize]byte
	if _, err = rand.Read(secret[:]); err != nil {
		return "", secretHash, "", err
	}

	var raw [rawSize]byte
	copy(raw[:idSize], tokenID[:])
	copy(raw[idSize:], secret[:])

	return tokenID.String(), sha256.Sum256(secret[:]), base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// decodeToken splits a plaintext token into its record ID and secret hash.
func decodeToken(plaintext string) (id string, secretHash [32]byte, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(plaintext)
	if err != nil || len(raw) != rawSize {
		return "", secretHash, ErrMalformed
	}

	var tokenID uuid.UUID
	copy(tokenID[:], raw[:idSize])

	return tokenID.String(), sha256.Sum256(raw[idSize:]), nil
}
