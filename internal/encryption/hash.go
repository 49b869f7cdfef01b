package encryption

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// HashPrefix marks a bcrypt hashed token.
	HashPrefix = "hash:v1:"

	// DefaultBcryptCost is the default cost parameter for bcrypt.
	DefaultBcryptCost = 10
)

var (
	// ErrHashMismatch is returned when a token does not match.
	ErrHashMismatch = errors.New("hash does not match")
)

// TokenHasher hashes management tokens so that only the hash needs to be
// configured on the server.
type TokenHasher struct {
	bcryptCost int
}

// NewTokenHasher creates a new TokenHasher with the default bcrypt cost.
func NewTokenHasher() *TokenHasher {
	return &TokenHasher{bcryptCost: DefaultBcryptCost}
}

// NewTokenHasherWithCost creates a new TokenHasher with a custom bcrypt cost.
func NewTokenHasherWithCost(cost int) (*TokenHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &TokenHasher{bcryptCost: cost}, nil
}

// HashToken returns the bcrypt hash of token prefixed with HashPrefix.
// Tokens longer than bcrypt's 72 byte limit are pre-hashed with SHA-256.
func (h *TokenHasher) HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(token), h.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return HashPrefix + string(hash), nil
}

// VerifyToken compares a presented token with the configured one, which is
// either a HashToken result or the plaintext token.
func VerifyToken(token, configured string) error {
	if token == "" || configured == "" {
		return ErrHashMismatch
	}
	if !IsHashed(configured) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(configured)) == 1 {
			return nil
		}
		return ErrHashMismatch
	}
	err := bcrypt.CompareHashAndPassword([]byte(configured[len(HashPrefix):]), bcryptInput(token))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrHashMismatch
		}
		return fmt.Errorf("failed to verify token: %w", err)
	}
	return nil
}

func bcryptInput(token string) []byte {
	input := []byte(token)
	if len(input) > 72 {
		sum := sha256.Sum256(input)
		input = sum[:]
	}
	return input
}

// IsHashed checks if a value has the hash prefix.
func IsHashed(value string) bool {
	return len(value) > len(HashPrefix) && value[:len(HashPrefix)] == HashPrefix
}
