package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/splax/revf/internal/domain"
	"github.com/splax/revf/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func seed(id, email, handle string) *domain.Account {
	return &domain.Account{ID: id, Email: email, Handle: handle, Name: "n", PasswordHash: []byte("hash"), CreatedAt: time.Now()}
}

func TestCreateAndLookup(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if err := repo.CreateAccount(ctx, seed("1", "a@x.com", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	byEmail, err := repo.GetAccountByEmail(ctx, "a@x.com")
	if err != nil || byEmail.ID != "1" {
		t.Fatalf("lookup by email: %v %+v", err, byEmail)
	}
	byHandle, err := repo.GetAccountByHandle(ctx, "a1")
	if err != nil || byHandle.ID != "1" {
		t.Fatalf("lookup by handle: %v %+v", err, byHandle)
	}
	if _, err := repo.GetAccountByID(ctx, "2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateConflicts(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if err := repo.CreateAccount(ctx, seed("1", "a@x.com", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	cases := map[string]*domain.Account{
		"email":  seed("2", "a@x.com", "b1"),
		"handle": seed("3", "b@x.com", "a1"),
	}
	for field, acct := range cases {
		err := repo.CreateAccount(ctx, acct)
		var conflict *repository.ConflictError
		if !errors.As(err, &conflict) || conflict.Field != field {
			t.Fatalf("expected conflict on %s, got %v", field, err)
		}
		if !errors.Is(err, repository.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	}
}

func TestReturnedAccountsAreCopies(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if err := repo.CreateAccount(ctx, seed("1", "a@x.com", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := repo.GetAccountByID(ctx, "1")
	got.Reset.Code = "9999"
	got.PasswordHash[0] = 'X'

	again, _ := repo.GetAccountByID(ctx, "1")
	if again.Reset.Code != "" || string(again.PasswordHash) != "hash" {
		t.Fatalf("stored account mutated through returned copy: %+v", again)
	}
}

func TestSaveKeepsIdentityFields(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if err := repo.CreateAccount(ctx, seed("1", "a@x.com", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	acct, _ := repo.GetAccountByID(ctx, "1")
	prev := acct.Reset
	acct.Email = "changed@x.com"
	acct.PasswordHash = []byte("new-hash")
	acct.Reset = domain.ResetChallenge{Code: "1234", ExpiresAt: time.Now().Add(time.Minute)}
	if err := repo.SaveAccount(ctx, acct, prev); err != nil {
		t.Fatalf("save: %v", err)
	}
	stored, _ := repo.GetAccountByEmail(ctx, "a@x.com")
	if stored.Email != "a@x.com" || string(stored.PasswordHash) != "new-hash" || stored.Reset.Code != "1234" {
		t.Fatalf("unexpected stored account: %+v", stored)
	}
	if err := repo.SaveAccount(ctx, seed("404", "z@x.com", "z"), domain.ResetChallenge{}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRejectsStaleChallenge(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if err := repo.CreateAccount(ctx, seed("1", "a@x.com", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	issued := domain.ResetChallenge{Code: "1234", ExpiresAt: time.Now().Add(time.Minute)}

	first, _ := repo.GetAccountByID(ctx, "1")
	second, _ := repo.GetAccountByID(ctx, "1")

	first.Reset = issued
	if err := repo.SaveAccount(ctx, first, domain.ResetChallenge{}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	second.Reset = domain.ResetChallenge{Code: "9999", ExpiresAt: time.Now().Add(time.Minute)}
	if err := repo.SaveAccount(ctx, second, domain.ResetChallenge{}); !errors.Is(err, repository.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	stored, _ := repo.GetAccountByID(ctx, "1")
	if stored.Reset.Code != "1234" {
		t.Fatalf("stale write must not land: %+v", stored.Reset)
	}
}

func TestConcurrentSaveSingleWinner(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if err := repo.CreateAccount(ctx, seed("1", "a@x.com", "a1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	base, _ := repo.GetAccountByID(ctx, "1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acct := *base
			acct.Reset.Attempts = base.Reset.Attempts + 1
			if err := repo.SaveAccount(ctx, &acct, base.Reset); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	stored, _ := repo.GetAccountByID(ctx, "1")
	if success != 1 || stored.Reset.Attempts != 1 {
		t.Fatalf("expected one winner and one attempt, got %d winners, %d attempts", success, stored.Reset.Attempts)
	}
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	repo := New()
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acct := seed(string(rune('a'+i)), "same@x.com", string(rune('a'+i)))
			if err := repo.CreateAccount(ctx, acct); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one successful create, got %d", success)
	}
}

func TestCanceledContext(t *testing.T) {
	repo := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := repo.CreateAccount(ctx, seed("1", "a@x.com", "a1")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
