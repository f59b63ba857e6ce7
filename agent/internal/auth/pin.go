package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrWrongPIN = errors.New("wrong pin")

// HashPIN returns the bcrypt hash stored in console.pin_hash.
func HashPIN(pin string) (string, error) {
	if len(pin) < 4 {
		return "", errors.New("pin must have at least 4 characters")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	return string(b), err
}

// CheckPIN compares pin against hash. An empty hash disables the check.
func CheckPIN(hash, pin string) error {
	if hash == "" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return ErrWrongPIN
	}
	return nil
}
