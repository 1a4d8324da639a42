// Package password hashes and verifies primary credentials with argon2id,
// serialized in PHC string format. Verification is constant-time over the
// derived keys. The hasher also reports when a stored hash was produced with
// weaker parameters than currently configured, so logins can upgrade hashes
// transparently.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKiB   uint32 = 8 * 1024
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"
)

// Config carries argon2id cost parameters. Memory is in KiB.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher derives and checks argon2id hashes. Immutable after construction.
type Hasher struct {
	config Config
}

// New validates cost parameters against conservative floors and returns a
// ready Hasher.
func New(cfg Config) (*Hasher, error) {
	switch {
	case cfg.Memory < minMemoryKiB:
		return nil, errors.New("password: memory cost below 8 MiB floor")
	case cfg.Time < 1:
		return nil, errors.New("password: time cost must be at least 1")
	case cfg.Parallelism < 1:
		return nil, errors.New("password: parallelism must be at least 1")
	case cfg.SaltLength < minSaltLength:
		return nil, errors.New("password: salt must be at least 16 bytes")
	case cfg.KeyLength < minKeyLength:
		return nil, errors.New("password: key must be at least 16 bytes")
	}
	return &Hasher{config: cfg}, nil
}

// Hash derives a PHC-encoded argon2id hash with a fresh random salt.
// Password bytes are used exactly as provided, no Unicode normalization.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey([]byte(password), salt, h.config.Time, h.config.Memory, h.config.Parallelism, h.config.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify re-derives the key with the parameters recorded in encoded and
// compares in constant time. A parse failure is an error, not a mismatch.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(computed, p.key) == 1, nil
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the hasher is configured for.
func (h *Hasher) NeedsUpgrade(encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if h.config.Memory > p.memory || h.config.Time > p.time || h.config.Parallelism > p.parallelism {
		return true, nil
	}
	return uint32(len(p.key)) != h.config.KeyLength, nil
}

// DummyHash is a valid hash of an unguessable value, used to equalize timing
// between unknown-identifier and wrong-password login failures.
func (h *Hasher) DummyHash() (string, error) {
	filler := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, filler); err != nil {
		return "", err
	}
	return h.Hash(base64.RawStdEncoding.EncodeToString(filler))
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, errors.New("password: not an argon2id PHC string")
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, errors.New("password: unsupported argon2 version")
	}

	var p phc
	var m, t, par uint64
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("password: malformed parameters")
		}
		switch kv[0] {
		case "m":
			m, err = strconv.ParseUint(kv[1], 10, 32)
		case "t":
			t, err = strconv.ParseUint(kv[1], 10, 32)
		case "p":
			par, err = strconv.ParseUint(kv[1], 10, 8)
		default:
			return nil, errors.New("password: unknown parameter")
		}
		if err != nil {
			return nil, errors.New("password: malformed parameters")
		}
	}
	if m == 0 || t == 0 || par == 0 {
		return nil, errors.New("password: missing parameters")
	}
	p.memory, p.time, p.parallelism = uint32(m), uint32(t), uint8(par)

	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) < int(minSaltLength) {
		return nil, errors.New("password: invalid salt")
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) < int(minKeyLength) {
		return nil, errors.New("password: invalid key")
	}
	return &p, nil
}
