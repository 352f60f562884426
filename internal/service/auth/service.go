package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/splax/revf/internal/domain"
	"github.com/splax/revf/internal/mail"
	"github.com/splax/revf/internal/repository"
	"github.com/splax/revf/pkg/config"
	"github.com/splax/revf/pkg/crypto"
	jwtpkg "github.com/splax/revf/pkg/jwt"
)

const (
	minSecretLength     = 6
	defaultStoreTimeout = 5 * time.Second
	// bounds how often one reset call reloads after losing a write race
	challengeWriteRetries = 8
)

// Service handles authentication workflows.
type Service struct {
	accounts repository.AccountRepository
	mailer   mail.Sender
	hasher   crypto.Hasher
	otp      otpManager
	logger   *slog.Logger
	cfg      config.APIConfig
	now      func() time.Time
}

// New constructs a Service.
func New(accounts repository.AccountRepository, mailer mail.Sender, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := Service{
		accounts: accounts,
		mailer:   mailer,
		hasher:   crypto.NewHasher(cfg.BcryptCost),
		logger:   logger,
		cfg:      cfg,
	}
	return s.WithClock(time.Now)
}

// WithClock returns a copy of s reading time from now.
func (s Service) WithClock(now func() time.Time) Service {
	s.now = now
	s.otp = newOTPManager(s.cfg.OTPTTL, s.cfg.OTPMaxAttempts, now)
	return s
}

// Session is an issued bearer token.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// EnrollInput carries signup fields.
type EnrollInput struct {
	Name     string
	Email    string
	Password string
	Handle   string
}

// Enroll registers a new account and opens a session for it.
func (s Service) Enroll(ctx context.Context, in EnrollInput) (*domain.Account, Session, error) {
	name := strings.TrimSpace(in.Name)
	email := normalize(in.Email)
	handle := normalize(in.Handle)
	if name == "" || email == "" || handle == "" || in.Password == "" {
		return nil, Session{}, ErrMissingField
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if _, err := s.accounts.GetAccountByEmail(ctx, email); err == nil {
		return nil, Session{}, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, Session{}, s.upstream("GetAccountByEmail", err)
	}
	if _, err := s.accounts.GetAccountByHandle(ctx, handle); err == nil {
		return nil, Session{}, ErrHandleTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, Session{}, s.upstream("GetAccountByHandle", err)
	}
	if !strongEnough(in.Password) {
		return nil, Session{}, ErrWeakSecret
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, Session{}, s.upstream("HashPassword", err)
	}
	acct := &domain.Account{
		ID:           uuid.NewString(),
		Handle:       handle,
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.accounts.CreateAccount(ctx, acct); err != nil {
		var conflict *repository.ConflictError
		if errors.As(err, &conflict) {
			if conflict.Field == "handle" {
				return nil, Session{}, ErrHandleTaken
			}
			return nil, Session{}, ErrEmailTaken
		}
		return nil, Session{}, s.upstream("CreateAccount", err)
	}
	session, err := s.issueSession(acct.ID)
	if err != nil {
		return nil, Session{}, err
	}
	s.logger.Info("account registered", "user_id", acct.ID)
	return acct, session, nil
}

// Login authenticates by handle and password and opens a session.
func (s Service) Login(ctx context.Context, handle, password string) (*domain.Account, Session, error) {
	handle = normalize(handle)
	if handle == "" || password == "" {
		return nil, Session{}, ErrMissingField
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	acct, err := s.accounts.GetAccountByHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Session{}, ErrNotFound
		}
		return nil, Session{}, s.upstream("GetAccountByHandle", err)
	}
	if !s.hasher.Verify(acct.PasswordHash, password) {
		s.logger.Warn("login rejected", "user_id", acct.ID, "reason", "bad_credential")
		return nil, Session{}, ErrBadCredential
	}
	session, err := s.issueSession(acct.ID)
	if err != nil {
		return nil, Session{}, err
	}
	s.logger.Info("user logged in", "user_id", acct.ID)
	return acct, session, nil
}

// Logout records the end of a session. Sessions are stateless, so the token
// stays valid until it expires; clearing the cookie is the transport's job.
func (s Service) Logout(_ context.Context, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	if claims, err := jwtpkg.Parse(token, s.cfg.JWTSecret, s.now()); err == nil {
		s.logger.Info("user logged out", "user_id", claims.UserID)
	}
}

// RequestReset issues a reset code for the account registered with email and mails it.
func (s Service) RequestReset(ctx context.Context, email string) error {
	email = normalize(email)
	if email == "" {
		return missing("Email is required")
	}
	if s.mailer == nil {
		return s.upstream("SendResetCode", errors.New("mail sender not configured"))
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	var code string
	acct, err := s.updateByEmail(storeCtx, email, func(acct *domain.Account) (bool, error) {
		code = s.otp.issue(acct)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	mailCtx, cancelMail := s.storeContext(ctx)
	defer cancelMail()
	if err := s.mailer.SendResetCode(mailCtx, acct.Email, code); err != nil {
		return s.upstream("SendResetCode", err)
	}
	s.logger.Info("reset code issued", "user_id", acct.ID)
	return nil
}

// VerifyReset checks a submitted code and marks the challenge verified.
func (s Service) VerifyReset(ctx context.Context, email, code string) error {
	email = normalize(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return missing("Email and OTP required")
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	var checkErr error
	acct, err := s.updateByEmail(ctx, email, func(acct *domain.Account) (bool, error) {
		var changed bool
		changed, checkErr = s.otp.check(acct, code)
		return changed, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidOrExpiredCode
		}
		return err
	}
	if checkErr != nil {
		s.logger.Warn("reset code rejected", "user_id", acct.ID, "attempts", acct.Reset.Attempts, "error", checkErr)
		return checkErr
	}
	s.logger.Info("reset code verified", "user_id", acct.ID)
	return nil
}

// CompleteReset replaces the password once the challenge is verified.
func (s Service) CompleteReset(ctx context.Context, email, password string) error {
	email = normalize(email)
	if email == "" || password == "" {
		return missing("Email and password required")
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	var (
		hash     []byte
		resetErr error
	)
	acct, err := s.updateByEmail(ctx, email, func(acct *domain.Account) (bool, error) {
		if !s.otp.verified(acct) {
			resetErr = ErrChallengeNotVerified
			return false, nil
		}
		if !strongEnough(password) {
			resetErr = ErrWeakSecret
			return false, nil
		}
		if hash == nil {
			h, err := s.hasher.Hash(password)
			if err != nil {
				return false, s.upstream("HashPassword", err)
			}
			hash = h
		}
		acct.PasswordHash = hash
		s.otp.consume(acct)
		return true, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrChallengeNotVerified
		}
		return err
	}
	if resetErr != nil {
		return resetErr
	}
	s.logger.Info("password reset", "user_id", acct.ID)
	return nil
}

// Authorize validates a session token and returns the account it names.
func (s Service) Authorize(ctx context.Context, token string) (*domain.Account, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret, s.now())
	if err != nil {
		if errors.Is(err, jwtpkg.ErrExpired) {
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionInvalid
	}
	return s.Account(ctx, claims.UserID)
}

// Account loads an account by id.
func (s Service) Account(ctx context.Context, id string) (*domain.Account, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	acct, err := s.accounts.GetAccountByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, s.upstream("GetAccountByID", err)
	}
	return acct, nil
}

// SessionTTL is the lifetime of issued sessions.
func (s Service) SessionTTL() time.Duration {
	return s.cfg.SessionTTL
}

func (s Service) issueSession(userID string) (Session, error) {
	issued := s.now()
	token, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, issued, s.cfg.SessionTTL)
	if err != nil {
		return Session{}, s.upstream("GenerateToken", err)
	}
	return Session{Token: token, ExpiresAt: issued.Add(s.cfg.SessionTTL).UTC()}, nil
}

// updateByEmail loads the account registered with email, lets apply mutate
// it and saves the result only if no other write touched the reset challenge
// in between. A lost race reloads the account and runs apply again, so every
// decision apply makes is taken against committed state. apply reports
// whether the account changed.
func (s Service) updateByEmail(ctx context.Context, email string, apply func(*domain.Account) (bool, error)) (*domain.Account, error) {
	for range challengeWriteRetries {
		acct, err := s.accounts.GetAccountByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, err
			}
			return nil, s.upstream("GetAccountByEmail", err)
		}
		prev := acct.Reset
		changed, err := apply(acct)
		if err != nil {
			return nil, err
		}
		if !changed {
			return acct, nil
		}
		err = s.accounts.SaveAccount(ctx, acct, prev)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, repository.ErrStale) {
			return nil, s.upstream("SaveAccount", err)
		}
	}
	return nil, s.upstream("SaveAccount", repository.ErrStale)
}

func (s Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// upstream logs an unexpected failure and hides it behind ErrUpstream.
func (s Service) upstream(operation string, err error) error {
	wrapped := oops.
		In("auth").
		Code("AUTH_UPSTREAM").
		With("operation", operation).
		Wrap(err)
	s.logger.Error("auth dependency failed", "operation", operation, "error", wrapped)
	return &Error{Kind: KindUpstream, Code: ErrUpstream.Code, Message: ErrUpstream.Message, cause: wrapped}
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func strongEnough(secret string) bool {
	return utf8.RuneCountInString(secret) >= minSecretLength
}
