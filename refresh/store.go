package refresh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no record exists for the presented token,
	// or when the secret does not match the stored hash.
	ErrNotFound = errors.New("refresh token not found")
	// ErrRevoked is returned when the record was already redeemed or revoked.
	// On the redeem path this is the replay signal.
	ErrRevoked = errors.New("refresh token revoked")
	// ErrExpired is returned when the record exists but is past its expiry.
	ErrExpired = errors.New("refresh token expired")
	// ErrUnavailable wraps Redis failures.
	ErrUnavailable = errors.New("refresh store unavailable")
)

// Record is the server-side state of one refresh token. SecretHash is the only
// credential material ever persisted.
type Record struct {
	ID         string
	AccountID  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	ReplacedBy string
	Parent     string
	IP         string
	UserAgent  string
}

// Device is the request metadata recorded on issue and rotation.
type Device struct {
	IP        string
	UserAgent string
}

// recordRetention keeps revoked and expired records readable past their
// expiry so redemption failures can be classified (revoked vs expired vs
// unknown) and reuse can be detected.
const recordRetention = 24 * time.Hour

const redeemStatusNotFound = 0
const redeemStatusRevoked = 1
const redeemStatusExpired = 2
const redeemStatusMismatch = 3
const redeemStatusOK = 4

// redeemScript is the single atomic check-revoke-and-issue step. It verifies
// the presented hash against the live record, marks the record revoked with a
// successor pointer, and writes the successor record — all inside one Redis
// script execution.
const redeemScript = `
local cur = KEYS[1]
local next = KEYS[2]
local acctset = KEYS[3]

local provided = ARGV[1]
local cur_id = ARGV[2]
local next_id = ARGV[3]
local next_hash = ARGV[4]
local now = tonumber(ARGV[5])
local ip = ARGV[6]
local ua = ARGV[7]

local h = redis.call("HGET", cur, "h")
if not h then
  return {0}
end
if redis.call("HGET", cur, "rev") == "1" then
  return {1}
end
local iat = tonumber(redis.call("HGET", cur, "iat"))
local exp = tonumber(redis.call("HGET", cur, "exp"))
if exp <= now then
  return {2}
end
if h ~= provided then
  return {3}
end

redis.call("HSET", cur, "rev", "1", "rby", next_id)

local acct = redis.call("HGET", cur, "acct")
local lifetime = exp - iat
local next_exp = now + lifetime
redis.call("HSET", next, "h", next_hash, "acct", acct,
  "iat", now, "exp", next_exp, "rev", "0", "rby", "", "par", cur_id,
  "ip", ip, "ua", ua)
redis.call("EXPIRE", next, lifetime + tonumber(ARGV[8]))

redis.call("SREM", acctset, cur_id)
redis.call("SADD", acctset, next_id)
redis.call("EXPIRE", acctset, lifetime + tonumber(ARGV[8]))

return {4, acct, next_exp}
`

var redeemLua = redis.NewScript(redeemScript)

// revokeAllScript marks every tracked record for the account revoked. The set
// is kept so repeated calls stay idempotent until the records expire.
const revokeAllScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local prefix = ARGV[1]
local n = 0
for _, id in ipairs(ids) do
  local key = prefix .. id
  if redis.call("EXISTS", key) == 1 then
    if redis.call("HGET", key, "rev") ~= "1" then
      redis.call("HSET", key, "rev", "1")
      n = n + 1
    end
  end
end
return n
`

var revokeAllLua = redis.NewScript(revokeAllScript)

// Store keeps refresh-token records in Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore builds a store with the given key prefix.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// WithClock overrides the store clock, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Issue creates a fresh record for the account and returns the plaintext
// token exactly once.
func (s *Store) Issue(ctx context.Context, accountID string, ttl time.Duration, dev Device) (string, *Record, error) {
	id, secretHash, plaintext, err := newToken()
	if err != nil {
		return "", nil, err
	}

	now := s.now()
	rec := &Record{
		ID:        id,
		AccountID: accountID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		IP:        dev.IP,
		UserAgent: dev.UserAgent,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.recordKey(id),
		"h", hex.EncodeToString(secretHash[:]),
		"acct", accountID,
		"iat", now.Unix(),
		"exp", rec.ExpiresAt.Unix(),
		"rev", "0",
		"rby", "",
		"par", "",
		"ip", dev.IP,
		"ua", dev.UserAgent,
	)
	pipe.Expire(ctx, s.recordKey(id), ttl+recordRetention)
	pipe.SAdd(ctx, s.accountKey(accountID), id)
	pipe.Expire(ctx, s.accountKey(accountID), ttl+recordRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return plaintext, rec, nil
}

// Redeem rotates the presented token: the old record is revoked and a
// successor with the same remaining lifetime policy is created atomically.
// Exactly one of n concurrent redemptions of the same token succeeds.
func (s *Store) Redeem(ctx context.Context, plaintext string, dev Device) (accountID, newPlaintext string, rec *Record, err error) {
	id, providedHash, err := decodeToken(plaintext)
	if err != nil {
		return "", "", nil, ErrNotFound
	}

	nextID, nextHash, nextPlaintext, err := newToken()
	if err != nil {
		return "", "", nil, err
	}

	now := s.now()
	res, err := redeemLua.Run(ctx, s.client,
		[]string{s.recordKey(id), s.recordKey(nextID), s.accountKeyByRecord(ctx, id)},
		hex.EncodeToString(providedHash[:]),
		id,
		nextID,
		hex.EncodeToString(nextHash[:]),
		now.Unix(),
		dev.IP,
		dev.UserAgent,
		int64(recordRetention.Seconds()),
	).Slice()
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) == 0 {
		return "", "", nil, fmt.Errorf("%w: empty redeem reply", ErrUnavailable)
	}

	status, _ := res[0].(int64)
	switch status {
	case redeemStatusOK:
	case redeemStatusRevoked:
		return "", "", nil, ErrRevoked
	case redeemStatusExpired:
		return "", "", nil, ErrExpired
	default:
		// Unknown record and secret mismatch are indistinguishable on purpose.
		return "", "", nil, ErrNotFound
	}

	acct, _ := res[1].(string)
	expUnix, _ := res[2].(int64)
	rec = &Record{
		ID:        nextID,
		AccountID: acct,
		IssuedAt:  now,
		ExpiresAt: time.Unix(expUnix, 0),
		Parent:    id,
		IP:        dev.IP,
		UserAgent: dev.UserAgent,
	}
	return acct, nextPlaintext, rec, nil
}

// Revoke marks the record for the presented token revoked. Idempotent: a
// missing or already-revoked record is not an error.
func (s *Store) Revoke(ctx context.Context, plaintext string) error {
	id, providedHash, err := decodeToken(plaintext)
	if err != nil {
		return nil
	}

	stored, err := s.client.HGet(ctx, s.recordKey(id), "h").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if stored != hex.EncodeToString(providedHash[:]) {
		return nil
	}
	if err := s.client.HSet(ctx, s.recordKey(id), "rev", "1").Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RevokeAll revokes every outstanding record for the account and returns how
// many were live. Idempotent.
func (s *Store) RevokeAll(ctx context.Context, accountID string) (int, error) {
	n, err := revokeAllLua.Run(ctx, s.client,
		[]string{s.accountKey(accountID)},
		s.prefix+":rt:",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Get loads one record by ID. Used by introspection and tests.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	iat, _ := strconv.ParseInt(fields["iat"], 10, 64)
	exp, _ := strconv.ParseInt(fields["exp"], 10, 64)
	return &Record{
		ID:         id,
		AccountID:  fields["acct"],
		IssuedAt:   time.Unix(iat, 0),
		ExpiresAt:  time.Unix(exp, 0),
		Revoked:    fields["rev"] == "1",
		ReplacedBy: fields["rby"],
		Parent:     fields["par"],
		IP:         fields["ip"],
		UserAgent:  fields["ua"],
	}, nil
}

func (s *Store) recordKey(id string) string {
	return s.prefix + ":rt:" + id
}

func (s *Store) accountKey(accountID string) string {
	return s.prefix + ":rta:" + accountID
}

// accountKeyByRecord resolves the account set key for the record being
// redeemed. The extra read stays outside the script; the script itself only
// touches the keys it was handed.
func (s *Store) accountKeyByRecord(ctx context.Context, id string) string {
	acct, err := s.client.HGet(ctx, s.recordKey(id), "acct").Result()
	if err != nil {
		return s.accountKey("unknown")
	}
	return s.accountKey(acct)
}
