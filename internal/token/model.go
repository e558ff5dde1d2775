package token

import "time"

// Binding captures the client context a refresh token was issued to. Rotation
// compares the presented context against it.
type Binding struct {
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
}

// RefreshToken is the stored half of an opaque refresh secret. Value holds a
// peppered HMAC of the secret, LookupHash an unkeyed digest used only as the
// indexed lookup key. Tokens issued from the same login share a FamilyID.
type RefreshToken struct {
	ID         string
	UserID     string
	FamilyID   string
	Value      string
	LookupHash string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Used       bool
	Revoked    bool
	RevokedAt  *time.Time
	Binding    Binding
}

// RotationStatus classifies the outcome of a rotation attempt.
type RotationStatus string

const (
	RotationOK            RotationStatus = "ok"
	RotationInvalidToken  RotationStatus = "invalid_token"
	RotationNoLongerValid RotationStatus = "no_longer_valid"
	RotationBindingFailed RotationStatus = "binding_failed"
	RotationReuseDetected RotationStatus = "reuse_detected"
	RotationUserNotFound  RotationStatus = "user_not_found"
)
