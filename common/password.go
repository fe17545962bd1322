package common

import (
	"github.com/Laisky/errors/v2"
	"golang.org/x/crypto/bcrypt"
)

// Password2Hash hashes a user password with bcrypt at the default cost.
func Password2Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hashed), nil
}

// ValidatePasswordAndHash reports whether password matches the stored hash.
func ValidatePasswordAndHash(password string, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
