package maintenance

import (
	"context"
	"time"
)

const (
	// TokenBatchSize bounds each delete statement on refresh tokens.
	TokenBatchSize = 1000
	// ChallengeBatchSize bounds each delete statement on consumed OTP rows.
	ChallengeBatchSize = 2000

	DefaultUsedRetention      = 7 * 24 * time.Hour
	DefaultRevokedRetention   = 7 * 24 * time.Hour
	DefaultAuditRetention     = 30 * 24 * time.Hour
	DefaultChallengeRetention = 24 * time.Hour
	DefaultChallengeMaxAge    = 7 * 24 * time.Hour
)

// batchDelete drains rows in bounded batches until a batch comes back short,
// keeping any single statement from locking large ranges.
func batchDelete(ctx context.Context, batchSize int, del func(ctx context.Context, batchSize int) (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := del(ctx, batchSize)
		if err != nil {
			return total, err
		}
		total += n

		if n < int64(batchSize) {
			return total, nil
		}
	}
}

// TokenStore is the slice of the refresh token repository the cleanup job
// needs.
type TokenStore interface {
	DeleteExpired(ctx context.Context, now time.Time, batchSize int) (int64, error)
	DeleteUsedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	DeleteRevokedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	DeleteAccessAuditBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// TokenCleanup removes refresh tokens the rotation flow can never accept
// again: expired ones immediately, used and revoked ones after a short
// retention window for incident forensics.
type TokenCleanup struct {
	store            TokenStore
	usedRetention    time.Duration
	revokedRetention time.Duration
	auditRetention   time.Duration
	batchSize        int
	now              func() time.Time
}

func NewTokenCleanup(store TokenStore) *TokenCleanup {
	return &TokenCleanup{
		store:            store,
		usedRetention:    DefaultUsedRetention,
		revokedRetention: DefaultRevokedRetention,
		auditRetention:   DefaultAuditRetention,
		batchSize:        TokenBatchSize,
		now:              time.Now,
	}
}

func (j *TokenCleanup) Name() string { return "token_cleanup" }

func (j *TokenCleanup) Run(ctx context.Context) (map[string]any, error) {
	now := j.now().UTC()

	expired, err := batchDelete(ctx, j.batchSize, func(ctx context.Context, batchSize int) (int64, error) {
		return j.store.DeleteExpired(ctx, now, batchSize)
	})
	if err != nil {
		return nil, err
	}

	used, err := batchDelete(ctx, j.batchSize, func(ctx context.Context, batchSize int) (int64, error) {
		return j.store.DeleteUsedBefore(ctx, now.Add(-j.usedRetention), batchSize)
	})
	if err != nil {
		return nil, err
	}

	revoked, err := batchDelete(ctx, j.batchSize, func(ctx context.Context, batchSize int) (int64, error) {
		return j.store.DeleteRevokedBefore(ctx, now.Add(-j.revokedRetention), batchSize)
	})
	if err != nil {
		return nil, err
	}

	audit, err := batchDelete(ctx, j.batchSize, func(ctx context.Context, batchSize int) (int64, error) {
		return j.store.DeleteAccessAuditBefore(ctx, now.Add(-j.auditRetention), batchSize)
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"expired_deleted": expired,
		"used_deleted":    used,
		"revoked_deleted": revoked,
		"audit_deleted":   audit,
	}, nil
}

// ChallengeStore is the slice of the OTP repository the cleanup job needs.
type ChallengeStore interface {
	DeleteExpired(ctx context.Context, now time.Time, batchSize int) (int64, error)
	DeleteConsumedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// ChallengeCleanup removes OTP challenges that can no longer verify, plus a
// hard age cap on anything that slipped past the other criteria.
type ChallengeCleanup struct {
	store     ChallengeStore
	retention time.Duration
	maxAge    time.Duration
	batchSize int
	now       func() time.Time
}

func NewChallengeCleanup(store ChallengeStore) *ChallengeCleanup {
	return &ChallengeCleanup{
		store:     store,
		retention: DefaultChallengeRetention,
		maxAge:    DefaultChallengeMaxAge,
		batchSize: ChallengeBatchSize,
		now:       time.Now,
	}
}

func (j *ChallengeCleanup) Name() string { return "otp_cleanup" }

func (j *ChallengeCleanup) Run(ctx context.Context) (map[string]any, error) {
	now := j.now().UTC()

	expired, err := batchDelete(ctx, j.batchSize, func(ctx context.Context, batchSize int) (int64, error) {
		return j.store.DeleteExpired(ctx, now, batchSize)
	})
	if err != nil {
		return nil, err
	}

	consumed, err := batchDelete(ctx, j.batchSize, func(ctx context.Context, batchSize int) (int64, error) {
		return j.store.DeleteConsumedBefore(ctx, now.Add(-j.retention), batchSize)
	})
	if err != nil {
		return nil, err
	}

	aged, err := batchDelete(ctx, j.batchSize, func(ctx context.Context, batchSize int) (int64, error) {
		return j.store.DeleteCreatedBefore(ctx, now.Add(-j.maxAge), batchSize)
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"expired_deleted":  expired,
		"consumed_deleted": consumed,
		"aged_deleted":     aged,
	}, nil
}
