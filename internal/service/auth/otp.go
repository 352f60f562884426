package auth

import (
	"crypto/subtle"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/splax/revf/internal/domain"
)

const (
	otpMin             = 1000
	otpMax             = 9999
	defaultOTPTTL      = 5 * time.Minute
	defaultMaxAttempts = 5
)

// otpManager issues and checks reset challenges on an account. It only
// mutates the account; persisting is the caller's job.
type otpManager struct {
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	generate    func() string
}

func newOTPManager(ttl time.Duration, maxAttempts int, now func() time.Time) otpManager {
	if ttl <= 0 {
		ttl = defaultOTPTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return otpManager{ttl: ttl, maxAttempts: maxAttempts, now: now, generate: randomCode}
}

// issue overwrites any previous challenge with a fresh code.
func (m otpManager) issue(acct *domain.Account) string {
	code := m.generate()
	acct.Reset = domain.ResetChallenge{
		Code:      code,
		ExpiresAt: m.now().UTC().Add(m.ttl),
	}
	return code
}

// check validates submitted against the account's challenge. It reports
// whether the challenge changed and must be saved.
func (m otpManager) check(acct *domain.Account, submitted string) (bool, error) {
	c := &acct.Reset
	if !c.Active(m.now()) {
		return false, ErrInvalidOrExpiredCode
	}
	if c.Attempts >= m.maxAttempts {
		return false, ErrTooManyAttempts
	}
	submitted = strings.TrimSpace(submitted)
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(c.Code)) != 1 {
		c.Attempts++
		return true, ErrInvalidOrExpiredCode
	}
	if c.Verified {
		return false, nil
	}
	c.Verified = true
	return true, nil
}

// verified reports whether the challenge passed check and is still in its window.
func (m otpManager) verified(acct *domain.Account) bool {
	return acct.Reset.Verified && acct.Reset.Active(m.now())
}

func (m otpManager) consume(acct *domain.Account) {
	acct.Reset.Clear()
}

func randomCode() string {
	return strconv.Itoa(otpMin + rand.IntN(otpMax-otpMin+1))
}
