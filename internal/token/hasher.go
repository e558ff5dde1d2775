package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SecretBytes is the entropy of an opaque refresh secret.
const SecretBytes = 32

// NewSecret returns a fresh 256-bit opaque secret, base64 URL encoded.
func NewSecret() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Lookup derives the non-secret index key for a raw refresh secret. It is a
// plain digest so the database can find the row without knowing the pepper;
// possession of the key proves nothing without the peppered value matching.
func Lookup(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SecretHasher produces the stored representation of refresh secrets. The
// pepper lives only in configuration, so a database dump alone cannot be
// replayed.
type SecretHasher struct {
	pepper []byte
}

func NewSecretHasher(pepper string) (*SecretHasher, error) {
	if strings.TrimSpace(pepper) == "" {
		return nil, errors.New("token: refresh pepper is required")
	}
	return &SecretHasher{pepper: []byte(pepper)}, nil
}

func (h *SecretHasher) Hash(raw string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches compares a raw secret against a stored hash in constant time.
func (h *SecretHasher) Matches(raw, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Hash(raw)), []byte(stored)) == 1
}
