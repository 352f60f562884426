package domain

import "time"

// Account represents a registered member.
type Account struct {
	ID           string
	Handle       string
	Email        string
	Name         string
	PasswordHash []byte
	Avatar       string
	CreatedAt    time.Time
	Reset        ResetChallenge
}

// ResetChallenge tracks an in-progress password reset for an account.
type ResetChallenge struct {
	Code      string
	ExpiresAt time.Time
	Verified  bool
	Attempts  int
}

// Active reports whether the challenge exists and has not expired relative to now.
func (c ResetChallenge) Active(now time.Time) bool {
	if c.Code == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.UTC().After(c.ExpiresAt.UTC())
}

// Equal reports whether c and o describe the same challenge state.
func (c ResetChallenge) Equal(o ResetChallenge) bool {
	return c.Code == o.Code &&
		c.ExpiresAt.Equal(o.ExpiresAt) &&
		c.Verified == o.Verified &&
		c.Attempts == o.Attempts
}

// Clear drops every challenge field.
func (c *ResetChallenge) Clear() {
	*c = ResetChallenge{}
}

// AccountView is the public projection of an Account.
type AccountView struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// View strips credentials and reset state from the account.
func (a Account) View() AccountView {
	return AccountView{
		ID:        a.ID,
		Handle:    a.Handle,
		Email:     a.Email,
		Name:      a.Name,
		Avatar:    a.Avatar,
		CreatedAt: a.CreatedAt,
	}
}
