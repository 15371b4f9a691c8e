// Package auth verifies the admin API key.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor for admin key hashes.
	BcryptCost = 12

	// MinAdminKeyLength is the shortest accepted admin key.
	MinAdminKeyLength = 16
)

// HashAdminKey returns a bcrypt hash suitable for AIQUOTA_ADMIN_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	if err := ValidateAdminKey(key); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash admin key: %w", err)
	}
	return string(hash), nil
}

// ValidateAdminKey checks length only.
func ValidateAdminKey(key string) error {
	if len(strings.TrimSpace(key)) < MinAdminKeyLength {
		return fmt.Errorf("admin key must be at least %d characters long", MinAdminKeyLength)
	}
	return nil
}

// LooksLikeBcrypt reports whether s has a bcrypt prefix.
func LooksLikeBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Verifier checks presented keys against a bcrypt hash or, failing that, a
// plain key. A verifier with neither configured rejects everything.
type Verifier struct {
	hash  []byte
	plain []byte
}

// NewVerifier builds a verifier. hash takes precedence over plain.
func NewVerifier(hash, plain string) *Verifier {
	v := &Verifier{}
	if h := strings.TrimSpace(hash); h != "" {
		v.hash = []byte(h)
	} else if p := strings.TrimSpace(plain); p != "" {
		v.plain = []byte(p)
	}
	return v
}

// Configured reports whether any key is set.
func (v *Verifier) Configured() bool {
	return len(v.hash) > 0 || len(v.plain) > 0
}

// Verify reports whether key matches.
func (v *Verifier) Verify(key string) bool {
	if key == "" {
		return false
	}
	if len(v.hash) > 0 {
		return bcrypt.CompareHashAndPassword(v.hash, []byte(key)) == nil
	}
	if len(v.plain) > 0 {
		return subtle.ConstantTimeCompare(v.plain, []byte(key)) == 1
	}
	return false
}
