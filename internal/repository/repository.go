package repository

import (
	"context"

	"github.com/splax/revf/internal/domain"
)

// AccountRepository persists accounts and their reset challenges.
//
// Handles and emails are unique. CreateAccount returns a *ConflictError when
// either is taken. SaveAccount is a compare-and-set: it replaces the mutable
// fields of one account in a single atomic write, but only while the stored
// reset challenge still equals prev, and returns ErrStale otherwise.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccountByID(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	GetAccountByHandle(ctx context.Context, handle string) (*domain.Account, error)
	SaveAccount(ctx context.Context, account *domain.Account, prev domain.ResetChallenge) error
}
