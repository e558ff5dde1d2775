package otp

import "time"

// Challenge is one outstanding OTP verification. Only the keyed hash of the
// code is stored; a consumed challenge can never verify again.
type Challenge struct {
	ID          string
	PhoneNumber string
	HashedCode  string
	Nonce       string
	Attempts    int
	CreatedAt   time.Time
	ConsumedAt  *time.Time
	ExpiresAt   time.Time
}
