package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:5000"

// Client provides typed access to the revf API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractMessage(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractMessage(body io.Reader) string {
	var payload struct {
		Message string `json:"message"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Message)
}

// Account reflects the public account projection.
type Account struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is returned by signup and login.
type Session struct {
	Account Account `json:"account"`
	Token   string  `json:"token"`
}

// SignupInput carries registration fields.
type SignupInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Handle   string `json:"handle"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Signup registers an account and returns its first session.
func (c *Client) Signup(ctx context.Context, input SignupInput) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, "/auth/signup", input, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Login exchanges a handle and password for a session.
func (c *Client) Login(ctx context.Context, handle, password string) (Session, error) {
	body := map[string]string{
		"handle":   handle,
		"password": password,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return Session{}, err
	}
	return resp, nil
}

// Logout ends the session server side. The token stays valid until it expires.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, token, nil)
}

// Me returns the account behind token.
func (c *Client) Me(ctx context.Context, token string) (Account, error) {
	var resp struct {
		Account Account `json:"account"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, token, &resp); err != nil {
		return Account{}, err
	}
	return resp.Account, nil
}

// RequestReset mails a reset code to email.
func (c *Client) RequestReset(ctx context.Context, email string) (string, error) {
	var resp messageResponse
	err := c.do(ctx, http.MethodPost, "/auth/otp/request", map[string]string{"email": email}, "", &resp)
	return resp.Message, err
}

// VerifyReset submits the mailed code.
func (c *Client) VerifyReset(ctx context.Context, email, code string) (string, error) {
	var resp messageResponse
	err := c.do(ctx, http.MethodPost, "/auth/otp/verify", map[string]string{"email": email, "code": code}, "", &resp)
	return resp.Message, err
}

// ResetPassword sets a new password once the code is verified.
func (c *Client) ResetPassword(ctx context.Context, email, password string) (string, error) {
	var resp messageResponse
	err := c.do(ctx, http.MethodPost, "/auth/password/reset", map[string]string{"email": email, "password": password}, "", &resp)
	return resp.Message, err
}

// Online lists the ids of accounts with a live presence connection.
func (c *Client) Online(ctx context.Context, token string) ([]string, error) {
	var resp struct {
		Online []string `json:"online"`
	}
	if err := c.do(ctx, http.MethodGet, "/presence/online", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Online, nil
}
