package token

import (
	"context"
	"fmt"
	"time"
)

// AccessAudit is the durable record of one issued access token. It exists
// for forensics and revocation bookkeeping; validation never reads it.
type AccessAudit struct {
	ID        string
	UserID    string
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (r *Repository) RecordAccessToken(ctx context.Context, rec AccessAudit) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO access_token_audit (id, user_id, token_value, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.UserID, rec.Value, rec.IssuedAt.UTC(), rec.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("record access token: %w", err)
	}
	return nil
}

func (r *Repository) MarkAccessTokenRevoked(ctx context.Context, jti string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE access_token_audit
		SET revoked = TRUE, revoked_at = $2
		WHERE id = $1 AND revoked = FALSE
	`, jti, at.UTC())
	if err != nil {
		return fmt.Errorf("mark access token revoked: %w", err)
	}
	return nil
}

func (r *Repository) DeleteAccessAuditBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT id
			FROM access_token_audit
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM access_token_audit a
		USING stale
		WHERE a.id = stale.id
	`, "delete access token audit rows", cutoff.UTC(), batchSize)
}
