package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is the number of password bytes that participate in
// hashing. bcrypt ignores input beyond 72 bytes, so longer passwords are
// truncated rather than rejected; the same truncation is applied when
// verifying so the contract stays uniform.
const MaxPasswordBytes = 72

var errEmptyPassword = errors.New("password must not be empty")

// HashPassword produces a salted bcrypt digest of the supplied password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errEmptyPassword
	}
	digest, err := bcrypt.GenerateFromPassword(truncatePassword(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// VerifyPassword reports whether the candidate password matches the stored
// digest. A mismatching candidate or malformed digest yields false, never an
// error.
func VerifyPassword(candidate, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), truncatePassword(candidate)) == nil
}

func truncatePassword(password string) []byte {
	raw := []byte(password)
	if len(raw) > MaxPasswordBytes {
		raw = raw[:MaxPasswordBytes]
	}
	return raw
}
