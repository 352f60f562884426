package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used when none is configured.
const DefaultCost = 10

// ErrEmptyPassword is returned when hashing an empty secret.
var ErrEmptyPassword = errors.New("crypto: empty password")

// Hasher hashes and verifies account secrets with bcrypt.
type Hasher struct {
	Cost int
}

// NewHasher clamps cost into the range bcrypt accepts.
func NewHasher(cost int) Hasher {
	if cost <= 0 {
		cost = DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return Hasher{Cost: cost}
}

// Hash returns a salted digest of plain. Two calls with the same input yield different digests.
func (h Hasher) Hash(plain string) ([]byte, error) {
	if plain == "" {
		return nil, ErrEmptyPassword
	}
	cost := h.Cost
	if cost == 0 {
		cost = DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(plain), cost)
}

// Verify reports whether plain matches hash. A malformed hash never matches.
func (h Hasher) Verify(hash []byte, plain string) bool {
	if len(hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(plain)) == nil
}

// HashPassword hashes plaintext using bcrypt at DefaultCost.
func HashPassword(plain string) ([]byte, error) {
	return Hasher{Cost: DefaultCost}.Hash(plain)
}

