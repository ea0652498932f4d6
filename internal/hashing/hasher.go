package hashing

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost matches the cost existing PIN hashes were created with.
const DefaultCost = 10

var ErrInvalidHash = errors.New("invalid hash format")

// PINHasher hashes and checks PINs with bcrypt.
type PINHasher struct {
	cost int
}

func NewPINHasher(cost int) *PINHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &PINHasher{cost: cost}
}

func (h *PINHasher) Hash(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash pin: %w", err)
	}
	return string(hash), nil
}

// Compare reports whether pin matches hash. A mismatch is not an error; a
// hash that is not bcrypt is.
func (h *PINHasher) Compare(hash, pin string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
}

func (h *PINHasher) Cost() int {
	return h.cost
}
