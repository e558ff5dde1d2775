package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnavailable = errors.New("revocation: deny list is not configured")

const keyPrefix = "revoked:jti:"

// List is a Redis-backed deny list for access token IDs. Entries expire with
// the token they shadow, so the list never outgrows the set of live tokens.
//
// A nil client disables the list: revocations fail loudly, lookups report
// nothing revoked. Token validation stays available when Redis is down; only
// explicit revocation requires it.
type List struct {
	client redis.UniversalClient
}

func NewList(client redis.UniversalClient) *List {
	return &List{client: client}
}

func (l *List) Enabled() bool {
	return l != nil && l.client != nil
}

// Revoke marks a token ID revoked for the remainder of its lifetime. A token
// at or past expiry needs no entry.
func (l *List) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if !l.Enabled() {
		return ErrUnavailable
	}
	if ttl <= 0 {
		return nil
	}

	if err := l.client.Set(ctx, keyPrefix+tokenID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revocation: set deny entry: %w", err)
	}

	return nil
}

// IsRevoked reports whether a token ID has been revoked. Lookup failures are
// treated as not revoked; the signature and expiry checks still stand.
func (l *List) IsRevoked(ctx context.Context, tokenID string) bool {
	if !l.Enabled() {
		return false
	}

	n, err := l.client.Exists(ctx, keyPrefix+tokenID).Result()
	if err != nil {
		return false
	}

	return n > 0
}
