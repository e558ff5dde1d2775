package otp

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

const (
	DefaultCodeLength  = 6
	DefaultNonceLength = 32
)

var ErrInvalidLength = errors.New("otp: length must be positive")

// GenerateCode returns a numeric one-time code. Each random byte maps to a
// single digit; callers must hash the code before persisting it.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	digits := make([]byte, length)
	for i, b := range buf {
		digits[i] = '0' + b%10
	}

	return string(digits), nil
}

// GenerateNonce returns length random bytes, base64 URL encoded. Every
// challenge gets its own nonce so identical codes never produce identical
// digests across challenges.
func GenerateNonce(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}
