// Package memory provides an in-process [authcore.AccountStore] for tests and
// single-binary development setups. All mutations are guarded by one mutex;
// the consume-once backup-code semantics hold under concurrency.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/stayloop/authcore"
)

type record struct {
	account     authcore.Account
	lastStep    int64
	backupCodes map[[32]byte]bool // hash -> spent
}

// Store is an in-memory account store. The zero value is not usable; call
// [New].
type Store struct {
	mu      sync.Mutex
	byID    map[string]*record
	byEmail map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byID:    make(map[string]*record),
		byEmail: make(map[string]string),
	}
}

// Put inserts or replaces an account. Backup codes and the TOTP step counter
// are reset for new IDs and preserved for existing ones.
func (s *Store) Put(account authcore.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[account.ID]
	if !ok {
		rec = &record{backupCodes: make(map[[32]byte]bool)}
		s.byID[account.ID] = rec
	}
	rec.account = account
	s.byEmail[normalizeEmail(account.Email)] = account.ID
}

func (s *Store) AccountByEmail(_ context.Context, email string) (*authcore.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, authcore.ErrAccountNotFound
	}
	return s.copyAccount(id)
}

func (s *Store) AccountByID(_ context.Context, id string) (*authcore.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyAccount(id)
}

func (s *Store) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return authcore.ErrAccountNotFound
	}
	rec.account.PasswordHash = hash
	return nil
}

func (s *Store) SetTOTPSecret(_ context.Context, id string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return authcore.ErrAccountNotFound
	}
	rec.account.TOTPSecret = append([]byte(nil), secret...)
	rec.account.TOTPConfirmed = false
	rec.lastStep = 0
	return nil
}

func (s *Store) ConfirmTOTP(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return authcore.ErrAccountNotFound
	}
	rec.account.TOTPConfirmed = true
	return nil
}

func (s *Store) ClearTOTP(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return authcore.ErrAccountNotFound
	}
	rec.account.TOTPSecret = nil
	rec.account.TOTPConfirmed = false
	rec.lastStep = 0
	rec.backupCodes = make(map[[32]byte]bool)
	return nil
}

func (s *Store) TOTPLastUsedStep(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return 0, authcore.ErrAccountNotFound
	}
	return rec.lastStep, nil
}

func (s *Store) SetTOTPLastUsedStep(_ context.Context, id string, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return authcore.ErrAccountNotFound
	}
	rec.lastStep = step
	return nil
}

func (s *Store) ReplaceBackupCodes(_ context.Context, id string, codes []authcore.BackupCodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return authcore.ErrAccountNotFound
	}
	rec.backupCodes = make(map[[32]byte]bool, len(codes))
	for _, c := range codes {
		rec.backupCodes[c.Hash] = false
	}
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, id string, hash [32]byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return false, authcore.ErrAccountNotFound
	}
	spent, ok := rec.backupCodes[hash]
	if !ok || spent {
		return false, nil
	}
	rec.backupCodes[hash] = true
	return true, nil
}

// copyAccount returns a defensive copy. Caller holds mu.
func (s *Store) copyAccount(id string) (*authcore.Account, error) {
	rec, ok := s.byID[id]
	if !ok {
		return nil, authcore.ErrAccountNotFound
	}
	account := rec.account
	account.Roles = append([]string(nil), rec.account.Roles...)
	account.TOTPSecret = append([]byte(nil), rec.account.TOTPSecret...)
	if len(account.TOTPSecret) == 0 {
		account.TOTPSecret = nil
	}
	return &account, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
