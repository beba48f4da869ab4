package auth

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashCredential returns the bcrypt hash of a node bearer credential for
// at-rest storage. Credentials are JWTs well past bcrypt's 72-byte input
// cap, so the token is collapsed to its SHA-256 digest first.
func HashCredential(credential string) (string, error) {
	sum := sha256.Sum256([]byte(credential))
	hashed, err := bcrypt.GenerateFromPassword(sum[:], bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return string(hashed), nil
}

// CheckCredential reports whether credential matches the stored hash. A
// mismatch on a structurally valid token means the credential was superseded
// by a later re-registration.
func CheckCredential(hash, credential string) bool {
	sum := sha256.Sum256([]byte(credential))
	return bcrypt.CompareHashAndPassword([]byte(hash), sum[:]) == nil
}
