// Package postgres implements [authcore.AccountStore] on PostgreSQL using
// pgx. Schema migrations are embedded and applied with goose. Backup-code
// consumption is a single conditional UPDATE, so a code can be spent at most
// once even under concurrent verification attempts.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/stayloop/authcore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a PostgreSQL-backed account store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema migrations. The *sql.DB is only used
// for migration; queries run on the pgx pool.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

const accountColumns = `id, email, password_hash, roles, email_verified, status, totp_secret, totp_confirmed`

func (s *Store) AccountByEmail(ctx context.Context, email string) (*authcore.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE lower(email) = lower($1)`
	return s.scanAccount(s.pool.QueryRow(ctx, query, strings.TrimSpace(email)))
}

func (s *Store) AccountByID(ctx context.Context, id string) (*authcore.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return s.scanAccount(s.pool.QueryRow(ctx, query, id))
}

// CreateAccount inserts a new account row. Not part of the engine contract;
// used by registration tooling and tests.
func (s *Store) CreateAccount(ctx context.Context, account *authcore.Account) error {
	query := `INSERT INTO accounts (id, email, password_hash, roles, email_verified, status)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		account.ID, account.Email, account.PasswordHash, account.Roles,
		account.EmailVerified, int16(account.Status))
	if err != nil {
		return fmt.Errorf("postgres: create account: %w", err)
	}
	return nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	query := `UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1`
	return s.execOne(ctx, query, id, hash)
}

func (s *Store) SetTOTPSecret(ctx context.Context, id string, secret []byte) error {
	query := `UPDATE accounts
	          SET totp_secret = $2, totp_confirmed = FALSE, totp_last_step = 0, updated_at = now()
	          WHERE id = $1`
	return s.execOne(ctx, query, id, secret)
}

func (s *Store) ConfirmTOTP(ctx context.Context, id string) error {
	query := `UPDATE accounts SET totp_confirmed = TRUE, updated_at = now()
	          WHERE id = $1 AND totp_secret IS NOT NULL`
	return s.execOne(ctx, query, id)
}

func (s *Store) ClearTOTP(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE accounts
	          SET totp_secret = NULL, totp_confirmed = FALSE, totp_last_step = 0, updated_at = now()
	          WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: clear totp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrAccountNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM account_backup_codes WHERE account_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: clear backup codes: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) TOTPLastUsedStep(ctx context.Context, id string) (int64, error) {
	var step int64
	err := s.pool.QueryRow(ctx, `SELECT totp_last_step FROM accounts WHERE id = $1`, id).Scan(&step)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, authcore.ErrAccountNotFound
		}
		return 0, fmt.Errorf("postgres: totp step: %w", err)
	}
	return step, nil
}

func (s *Store) SetTOTPLastUsedStep(ctx context.Context, id string, step int64) error {
	// GREATEST keeps the counter monotonic under concurrent verifications.
	query := `UPDATE accounts SET totp_last_step = GREATEST(totp_last_step, $2), updated_at = now()
	          WHERE id = $1`
	return s.execOne(ctx, query, id, step)
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, id string, codes []authcore.BackupCodeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM account_backup_codes WHERE account_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete backup codes: %w", err)
	}
	for _, code := range codes {
		_, err := tx.Exec(ctx,
			`INSERT INTO account_backup_codes (account_id, code_hash) VALUES ($1, $2)`,
			id, code.Hash[:])
		if err != nil {
			return fmt.Errorf("postgres: insert backup code: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ConsumeBackupCode(ctx context.Context, id string, hash [32]byte) (bool, error) {
	query := `UPDATE account_backup_codes SET spent_at = now()
	          WHERE account_id = $1 AND code_hash = $2 AND spent_at IS NULL`
	tag, err := s.pool.Exec(ctx, query, id, hash[:])
	if err != nil {
		return false, fmt.Errorf("postgres: consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) scanAccount(row pgx.Row) (*authcore.Account, error) {
	var (
		account authcore.Account
		status  int16
		secret  []byte
	)
	err := row.Scan(&account.ID, &account.Email, &account.PasswordHash, &account.Roles,
		&account.EmailVerified, &status, &secret, &account.TOTPConfirmed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, authcore.ErrAccountNotFound
		}
		return nil, fmt.Errorf("postgres: load account: %w", err)
	}
	account.Status = authcore.AccountStatus(status)
	if len(secret) > 0 {
		account.TOTPSecret = secret
	}
	return &account, nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrAccountNotFound
	}
	return nil
}
