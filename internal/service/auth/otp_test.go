package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/splax/revf/internal/domain"
)

func newTestOTP(clk *clock) otpManager {
	m := newOTPManager(5*time.Minute, 5, clk.Now)
	m.generate = func() string { return "4321" }
	return m
}

func TestRandomCodeRange(t *testing.T) {
	for i := 0; i < 500; i++ {
		code := randomCode()
		if !fourDigits.MatchString(code) {
			t.Fatalf("code %q outside 1000-9999", code)
		}
	}
}

func TestOTPIssueResetsChallenge(t *testing.T) {
	clk := newClock()
	m := newTestOTP(clk)
	acct := &domain.Account{Reset: domain.ResetChallenge{Code: "1111", Verified: true, Attempts: 3}}

	code := m.issue(acct)
	if code != "4321" || acct.Reset.Code != "4321" {
		t.Fatalf("unexpected code %q", code)
	}
	if acct.Reset.Verified || acct.Reset.Attempts != 0 {
		t.Fatalf("issue must reset state: %+v", acct.Reset)
	}
	if want := clk.Now().Add(5 * time.Minute); !acct.Reset.ExpiresAt.Equal(want) {
		t.Fatalf("expiry %s, want %s", acct.Reset.ExpiresAt, want)
	}
}

func TestOTPCheck(t *testing.T) {
	clk := newClock()
	m := newTestOTP(clk)
	acct := &domain.Account{}

	if changed, err := m.check(acct, "4321"); changed || !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Fatalf("no challenge: changed=%v err=%v", changed, err)
	}

	m.issue(acct)
	if changed, err := m.check(acct, "0000"); !changed || !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Fatalf("wrong code: changed=%v err=%v", changed, err)
	}
	if acct.Reset.Attempts != 1 || acct.Reset.Verified {
		t.Fatalf("unexpected state after miss: %+v", acct.Reset)
	}
	if changed, err := m.check(acct, " 4321 "); !changed || err != nil {
		t.Fatalf("correct code: changed=%v err=%v", changed, err)
	}
	if !acct.Reset.Verified || acct.Reset.Code != "4321" {
		t.Fatalf("challenge should be verified and retained: %+v", acct.Reset)
	}
	if changed, err := m.check(acct, "4321"); changed || err != nil {
		t.Fatalf("re-check: changed=%v err=%v", changed, err)
	}
	if !m.verified(acct) {
		t.Fatalf("expected verified challenge")
	}
}

func TestOTPBoundary(t *testing.T) {
	clk := newClock()
	m := newTestOTP(clk)
	acct := &domain.Account{}
	m.issue(acct)

	clk.Advance(5 * time.Minute)
	if _, err := m.check(acct, "4321"); err != nil {
		t.Fatalf("code must be valid at expiry instant: %v", err)
	}
	clk.Advance(time.Second)
	if _, err := m.check(acct, "4321"); !errors.Is(err, ErrInvalidOrExpiredCode) {
		t.Fatalf("expected expired code, got %v", err)
	}
	if m.verified(acct) {
		t.Fatalf("expired challenge must not count as verified")
	}
}

func TestOTPAttemptLimit(t *testing.T) {
	clk := newClock()
	m := newTestOTP(clk)
	acct := &domain.Account{}
	m.issue(acct)

	for i := 0; i < 5; i++ {
		if _, err := m.check(acct, "0000"); !errors.Is(err, ErrInvalidOrExpiredCode) {
			t.Fatalf("attempt %d: expected ErrInvalidOrExpiredCode, got %v", i+1, err)
		}
	}
	if changed, err := m.check(acct, "4321"); changed || !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected lockout, changed=%v err=%v", changed, err)
	}
	if acct.Reset.Verified {
		t.Fatalf("locked challenge must not verify")
	}

	m.issue(acct)
	if _, err := m.check(acct, "4321"); err != nil {
		t.Fatalf("fresh challenge should verify: %v", err)
	}
}

func TestOTPConsume(t *testing.T) {
	clk := newClock()
	m := newTestOTP(clk)
	acct := &domain.Account{}
	m.issue(acct)
	if _, err := m.check(acct, "4321"); err != nil {
		t.Fatalf("check: %v", err)
	}
	m.consume(acct)
	if m.verified(acct) || acct.Reset != (domain.ResetChallenge{}) {
		t.Fatalf("consume must clear challenge: %+v", acct.Reset)
	}
}
