// Package passcode hashes and verifies room passcodes. Only the hash is ever
// stored.
package passcode

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrMismatch = errors.New("passcode: mismatch")

// maxBytes is the longest input bcrypt reads. Longer passcodes are cut to it
// in both Hash and Verify, so any passcode that hashed also verifies.
const maxBytes = 72

type Hasher interface {
	Hash(passcode string) (string, error)
	Verify(hash, passcode string) error
}

type Bcrypt struct {
	Cost int
}

func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{Cost: cost}
}

func (b *Bcrypt) Hash(passcode string) (string, error) {
	h, err := bcrypt.GenerateFromPassword(clip(passcode), b.Cost)
	if err != nil {
		return "", fmt.Errorf("passcode: hash: %w", err)
	}
	return string(h), nil
}

// Verify returns ErrMismatch for a wrong passcode and any other error for a
// malformed hash.
func (b *Bcrypt) Verify(hash, passcode string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), clip(passcode))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrMismatch
	}
	return err
}

func clip(passcode string) []byte {
	b := []byte(passcode)
	if len(b) > maxBytes {
		b = b[:maxBytes]
	}
	return b
}
