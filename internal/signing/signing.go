// Package signing resolves the active token-signing key material at startup.
// An RSA private key file takes precedence; a shared HMAC secret is the
// fallback. Missing both is a configuration error, not a runtime condition.
package signing

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

type Method string

const (
	MethodRS256 Method = "RS256"
	MethodHS256 Method = "HS256"
)

var ErrNoKeyMaterial = errors.New("signing: neither a private key path nor a secret is configured")

// Material holds the resolved key and its algorithm. Resolve it once during
// bootstrap; it is immutable afterwards and safe for concurrent use.
type Material struct {
	Method Method

	rsaKey *rsa.PrivateKey
	secret []byte
}

func Resolve(privateKeyPath, secret string) (Material, error) {
	if privateKeyPath != "" {
		pemBytes, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return Material{}, fmt.Errorf("read signing key file: %w", err)
		}

		key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			return Material{}, fmt.Errorf("parse rsa private key: %w", err)
		}

		return Material{Method: MethodRS256, rsaKey: key}, nil
	}

	if secret != "" {
		return Material{Method: MethodHS256, secret: []byte(secret)}, nil
	}

	return Material{}, ErrNoKeyMaterial
}

func (m Material) SigningMethod() jwt.SigningMethod {
	if m.Method == MethodRS256 {
		return jwt.SigningMethodRS256
	}
	return jwt.SigningMethodHS256
}

func (m Material) SignKey() any {
	if m.Method == MethodRS256 {
		return m.rsaKey
	}
	return m.secret
}

func (m Material) VerifyKey() any {
	if m.Method == MethodRS256 {
		return &m.rsaKey.PublicKey
	}
	return m.secret
}
