package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
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

func newServer(t *testing.T) (*httptest.Server, *codeCatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mailer := &codeCatcher{}
	svc := auth.New(memory.New(), mailer, logger, config.APIConfig{
		JWTSecret:    "cli-test-secret",
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

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	apiBase = ""
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("REVFCTL_CONFIG", filepath.Join(t.TempDir(), "nested", "config.json"))

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg != (cliConfig{}) {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
	if err := requireToken(cfg); err == nil {
		t.Fatalf("expected error without token")
	}

	cfg = cliConfig{APIBaseURL: "http://api.test", AccessToken: "tok"}
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded != cfg {
		t.Fatalf("expected %+v, got %+v", cfg, loaded)
	}
}

func TestCommandsAgainstServer(t *testing.T) {
	srv, mailer := newServer(t)
	t.Setenv("REVFCTL_CONFIG", filepath.Join(t.TempDir(), "config.json"))

	out, err := run(t, "signup", "--api", srv.URL, "--name", "A", "--email", "a@x.com", "--handle", "a1", "--password", "secret1")
	if err != nil || !strings.Contains(out, "account a1 created") {
		t.Fatalf("signup: %q %v", out, err)
	}

	out, err = run(t, "whoami", "--api", srv.URL)
	if err != nil || !strings.Contains(out, "a1\ta@x.com") {
		t.Fatalf("whoami: %q %v", out, err)
	}

	if _, err := run(t, "reset", "request", "--api", srv.URL, "--email", "a@x.com"); err != nil {
		t.Fatalf("reset request: %v", err)
	}
	mailer.mu.Lock()
	code := mailer.code
	mailer.mu.Unlock()
	if _, err := run(t, "reset", "verify", "--api", srv.URL, "--email", "a@x.com", "--code", code); err != nil {
		t.Fatalf("reset verify: %v", err)
	}
	if _, err := run(t, "reset", "complete", "--api", srv.URL, "--email", "a@x.com", "--password", "newsecret"); err != nil {
		t.Fatalf("reset complete: %v", err)
	}

	if _, err := run(t, "login", "--api", srv.URL, "--handle", "a1", "--password", "secret1"); err == nil {
		t.Fatalf("old password should be rejected")
	}
	out, err = run(t, "login", "--api", srv.URL, "--handle", "a1", "--password", "newsecret")
	if err != nil || !strings.Contains(out, "login successful") {
		t.Fatalf("login: %q %v", out, err)
	}

	out, err = run(t, "online", "--api", srv.URL)
	if err != nil || !strings.Contains(out, "nobody online") {
		t.Fatalf("online: %q %v", out, err)
	}

	if _, err := run(t, "logout", "--api", srv.URL); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := run(t, "whoami", "--api", srv.URL); err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("expected not logged in after logout, got %v", err)
	}
}

func TestResetRequiresEmail(t *testing.T) {
	t.Setenv("REVFCTL_CONFIG", filepath.Join(t.TempDir(), "config.json"))
	if _, err := run(t, "reset", "request"); err == nil || !strings.Contains(err.Error(), "--email") {
		t.Fatalf("expected email error, got %v", err)
	}
}
