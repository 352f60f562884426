package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	httpx "github.com/splax/revf/internal/http"
	"github.com/splax/revf/internal/repository/memory"
	"github.com/splax/revf/internal/service/auth"
	"github.com/splax/revf/pkg/config"
)

type codeCatcher struct {
	mu   sync.Mutex
	code string
}

func (c *codeCatcher) SendResetCode(_ context.Context, _ string, code string) error {
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()
	return nil
}

func (c *codeCatcher) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func newServer(t *testing.T) (*httptest.Server, *codeCatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mailer := &codeCatcher{}
	svc := auth.New(memory.New(), mailer, logger, config.APIConfig{
		JWTSecret:    "client-test-secret",
		SessionTTL:   time.Hour,
		BcryptCost:   bcrypt.MinCost,
		StoreTimeout: time.Second,
		OTPTTL:       5 * time.Minute,
	})
	router := httpx.NewRouter(logger, svc, nil, nil, httpx.Options{})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		router.Close()
	})
	return srv, mailer
}

func TestNewNormalizesBaseURL(t *testing.T) {
	cli, err := New(" localhost:5000/ ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli.baseURL != "http://localhost:5000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
	cli, err = New("")
	if err != nil || cli.baseURL != defaultBaseURL {
		t.Fatalf("expected default base url, got %q %v", cli.baseURL, err)
	}
}

func TestClientAgainstRouter(t *testing.T) {
	srv, mailer := newServer(t)
	cli, err := New(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	session, err := cli.Signup(ctx, SignupInput{Name: "A", Email: "a@x.com", Password: "secret1", Handle: "a1"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if session.Token == "" || session.Account.Handle != "a1" {
		t.Fatalf("unexpected session %+v", session)
	}

	me, err := cli.Me(ctx, session.Token)
	if err != nil || me.ID != session.Account.ID {
		t.Fatalf("me: %+v %v", me, err)
	}

	_, err = cli.Login(ctx, "a1", "wrong")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Message != auth.ErrBadCredential.Message {
		t.Fatalf("expected bad credential api error, got %v", err)
	}

	if _, err := cli.Me(ctx, ""); !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	if _, err := cli.RequestReset(ctx, "a@x.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	if _, err := cli.VerifyReset(ctx, "a@x.com", mailer.last()); err != nil {
		t.Fatalf("verify reset: %v", err)
	}
	if _, err := cli.ResetPassword(ctx, "a@x.com", "newsecret"); err != nil {
		t.Fatalf("reset password: %v", err)
	}
	session, err = cli.Login(ctx, "a1", "newsecret")
	if err != nil {
		t.Fatalf("login with new password: %v", err)
	}

	online, err := cli.Online(ctx, session.Token)
	if err != nil || len(online) != 0 {
		t.Fatalf("online: %v %v", online, err)
	}
	if err := cli.Logout(ctx, session.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
}
