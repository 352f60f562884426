package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/splax/revf/internal/domain"
	"github.com/splax/revf/internal/repository"
)

const (
	accountColumns = `id, handle, email, name, password_hash, avatar, created_at,
		reset_code, reset_expires_at, reset_verified, reset_attempts`
	accountInsert = `INSERT INTO accounts (id, handle, email, name, password_hash, avatar, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	accountUpdate = `UPDATE accounts
		SET name = $2,
			password_hash = $3,
			avatar = $4,
			reset_code = $5,
			reset_expires_at = $6,
			reset_verified = $7,
			reset_attempts = $8
		WHERE id = $1
			AND reset_code IS NOT DISTINCT FROM $9
			AND reset_expires_at IS NOT DISTINCT FROM $10
			AND reset_verified = $11
			AND reset_attempts = $12`
	accountExists = `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`
)

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool DB
}

// New constructs a Repository.
func New(pool DB) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var _ repository.AccountRepository = (*Repository)(nil)

// CreateAccount inserts an account. Handle and email must be unused.
func (r *Repository) CreateAccount(ctx context.Context, account *domain.Account) error {
	if account == nil || len(account.PasswordHash) == 0 {
		return repository.ErrInvalidArgument
	}
	_, err := r.pool.Exec(ctx, accountInsert,
		account.ID,
		account.Handle,
		account.Email,
		account.Name,
		account.PasswordHash,
		account.Avatar,
		account.CreatedAt.UTC(),
	)
	return mapWriteError(err)
}

// GetAccountByID fetches an account by identifier.
func (r *Repository) GetAccountByID(ctx context.Context, id string) (*domain.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, strings.TrimSpace(id))
	return scanAccount(row)
}

// GetAccountByEmail fetches an account by email.
func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// GetAccountByHandle fetches an account by handle.
func (r *Repository) GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE handle = $1`, handle)
	return scanAccount(row)
}

// SaveAccount writes the mutable fields of an account in one statement,
// guarded on the reset columns still holding prev.
func (r *Repository) SaveAccount(ctx context.Context, account *domain.Account, prev domain.ResetChallenge) error {
	if account == nil || len(account.PasswordHash) == 0 {
		return repository.ErrInvalidArgument
	}
	tag, err := r.pool.Exec(ctx, accountUpdate,
		account.ID,
		account.Name,
		account.PasswordHash,
		account.Avatar,
		nilIfEmpty(account.Reset.Code),
		nilTime(account.Reset.ExpiresAt),
		account.Reset.Verified,
		account.Reset.Attempts,
		nilIfEmpty(prev.Code),
		nilTime(prev.ExpiresAt),
		prev.Verified,
		prev.Attempts,
	)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, accountExists, account.ID).Scan(&exists); err != nil {
		return mapReadError(err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrStale
}

// Ping checks connectivity for health probes.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a         domain.Account
		code      pgtype.Text
		expiresAt pgtype.Timestamptz
	)
	err := row.Scan(
		&a.ID,
		&a.Handle,
		&a.Email,
		&a.Name,
		&a.PasswordHash,
		&a.Avatar,
		&a.CreatedAt,
		&code,
		&expiresAt,
		&a.Reset.Verified,
		&a.Reset.Attempts,
	)
	if err != nil {
		return nil, mapReadError(err)
	}
	if code.Valid {
		a.Reset.Code = code.String
	}
	if expiresAt.Valid {
		a.Reset.ExpiresAt = expiresAt.Time.UTC()
	}
	return &a, nil
}

// mapReadError folds missing rows and ids that are not valid uuids into
// ErrNotFound.
func mapReadError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InvalidTextRepresentation {
		return repository.ErrNotFound
	}
	return err
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			switch pgErr.ConstraintName {
			case "accounts_email_key":
				return &repository.ConflictError{Field: "email"}
			case "accounts_handle_key":
				return &repository.ConflictError{Field: "handle"}
			}
			return repository.ErrConflict
		case pgerrcode.CheckViolation, pgerrcode.InvalidTextRepresentation:
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
