package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is the work factor for stored operator passwords.
const bcryptCost = 12

// HashPassword derives the stored bcrypt digest for an operator password.
func HashPassword(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// CheckPassword reports whether the candidate matches the stored digest.
func CheckPassword(candidate, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(candidate)) == nil
}

// ValidatePasswordStrength enforces the operator password policy: at least
// eight characters mixing upper case, lower case and digits. Registration
// rejects weak passwords before hashing.
func ValidatePasswordStrength(password string) bool {
	if len(password) < 8 {
		return false
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}

	return hasUpper && hasLower && hasDigit
}
