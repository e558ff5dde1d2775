package otp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrMissingInput = errors.New("otp: challenge id, phone number, code and nonce are all required")

// Hasher binds a one-time code to its challenge identity with a keyed hash.
// The pepper is a process-wide secret from configuration, never derived from
// request input.
type Hasher struct {
	pepper []byte
}

func NewHasher(pepper string) (*Hasher, error) {
	if strings.TrimSpace(pepper) == "" {
		return nil, errors.New("otp: pepper is required")
	}
	return &Hasher{pepper: []byte(pepper)}, nil
}

// Hash computes HMAC-SHA256 over challengeID|phoneNumber|code|nonce. The
// digest is deterministic for identical inputs, which verification relies on.
func (h *Hasher) Hash(challengeID, phoneNumber, code, nonce string) (string, error) {
	if challengeID == "" || phoneNumber == "" || code == "" || nonce == "" {
		return "", ErrMissingInput
	}

	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(challengeID))
	mac.Write([]byte("|"))
	mac.Write([]byte(phoneNumber))
	mac.Write([]byte("|"))
	mac.Write([]byte(code))
	mac.Write([]byte("|"))
	mac.Write([]byte(nonce))

	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the digest and compares in constant time.
func (h *Hasher) Verify(challengeID, phoneNumber, code, nonce, expected string) bool {
	digest, err := h.Hash(challengeID, phoneNumber, code, nonce)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(digest), []byte(expected)) == 1
}
