// Package memory provides an in-process AccountRepository for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/splax/revf/internal/domain"
	"github.com/splax/revf/internal/repository"
)

// Repository keeps accounts in maps keyed by id, email and handle.
type Repository struct {
	mu       sync.RWMutex
	byID     map[string]domain.Account
	byEmail  map[string]string
	byHandle map[string]string
}

var _ repository.AccountRepository = (*Repository)(nil)

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		byID:     make(map[string]domain.Account),
		byEmail:  make(map[string]string),
		byHandle: make(map[string]string),
	}
}

// CreateAccount stores a copy of account.
func (r *Repository) CreateAccount(ctx context.Context, account *domain.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if account == nil || account.ID == "" || len(account.PasswordHash) == 0 {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[account.Email]; ok {
		return &repository.ConflictError{Field: "email"}
	}
	if _, ok := r.byHandle[account.Handle]; ok {
		return &repository.ConflictError{Field: "handle"}
	}
	if _, ok := r.byID[account.ID]; ok {
		return repository.ErrConflict
	}
	r.byID[account.ID] = clone(*account)
	r.byEmail[account.Email] = account.ID
	r.byHandle[account.Handle] = account.ID
	return nil
}

// GetAccountByID returns a copy of the account with id.
func (r *Repository) GetAccountByID(ctx context.Context, id string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id)
}

// GetAccountByEmail returns a copy of the account registered with email.
func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.get(id)
}

// GetAccountByHandle returns a copy of the account registered with handle.
func (r *Repository) GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHandle[handle]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.get(id)
}

// SaveAccount replaces the mutable fields of an existing account if its
// stored challenge still equals prev.
func (r *Repository) SaveAccount(ctx context.Context, account *domain.Account, prev domain.ResetChallenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if account == nil || len(account.PasswordHash) == 0 {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[account.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if !stored.Reset.Equal(prev) {
		return repository.ErrStale
	}
	// identity fields are immutable
	stored.Name = account.Name
	stored.Avatar = account.Avatar
	stored.PasswordHash = append([]byte(nil), account.PasswordHash...)
	stored.Reset = account.Reset
	r.byID[account.ID] = stored
	return nil
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error {
	return nil
}

func (r *Repository) get(id string) (*domain.Account, error) {
	stored, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := clone(stored)
	return &out, nil
}

func clone(a domain.Account) domain.Account {
	a.PasswordHash = append([]byte(nil), a.PasswordHash...)
	return a
}
