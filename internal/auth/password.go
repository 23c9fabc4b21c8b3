package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	saltLength       = 16
)

// NewSalt produces a cryptographically random per-user salt.
func NewSalt() (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(salt), nil
}

// HashPassword derives the stored digest from a plaintext password and the
// user's salt. Deterministic for a fixed (password, salt) pair.
func HashPassword(password, salt string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	rawSalt, err := base64.RawStdEncoding.DecodeString(salt)
	if err != nil || len(rawSalt) == 0 {
		return "", errors.New("invalid password salt")
	}
	digest := argon2.IDKey([]byte(password), rawSalt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
	return base64.RawStdEncoding.EncodeToString(digest), nil
}

// VerifyPassword compares a candidate password against the stored digest in
// constant time.
func VerifyPassword(storedDigest, candidate, salt string) bool {
	if storedDigest == "" || candidate == "" {
		return false
	}
	computed, err := HashPassword(candidate, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedDigest), []byte(computed)) == 1
}
