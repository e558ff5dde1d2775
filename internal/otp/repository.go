package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrChallengeNotFound = errors.New("otp: challenge not found")
	ErrChallengeConsumed = errors.New("otp: challenge already consumed")
)

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, c *Challenge) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO otp_challenges (id, phone_number, hashed_code, nonce, attempts, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.PhoneNumber, c.HashedCode, c.Nonce, c.Attempts, c.CreatedAt.UTC(), c.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert otp challenge: %w", err)
	}

	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Challenge, error) {
	var c Challenge
	var consumedAt *time.Time

	err := r.db.QueryRow(ctx, `
		SELECT id, phone_number, hashed_code, nonce, attempts, created_at, consumed_at, expires_at
		FROM otp_challenges
		WHERE id = $1
	`, id).Scan(&c.ID, &c.PhoneNumber, &c.HashedCode, &c.Nonce, &c.Attempts, &c.CreatedAt, &consumedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("query otp challenge: %w", err)
	}

	c.ConsumedAt = consumedAt
	return &c, nil
}

// Consume marks a challenge used. The guard on consumed_at makes the
// transition single-shot even under concurrent verification attempts.
func (r *Repository) Consume(ctx context.Context, id string, when time.Time) error {
	ct, err := r.db.Exec(ctx, `
		UPDATE otp_challenges
		SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL
	`, id, when.UTC())
	if err != nil {
		return fmt.Errorf("consume otp challenge: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrChallengeConsumed
	}

	return nil
}

func (r *Repository) RecordFailedAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx, `
		UPDATE otp_challenges
		SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrChallengeNotFound
		}
		return 0, fmt.Errorf("record otp attempt: %w", err)
	}

	return attempts, nil
}

// ExpireOpenForPhone closes any still-open challenges for a phone number so
// at most one challenge per phone is redeemable at a time.
func (r *Repository) ExpireOpenForPhone(ctx context.Context, phoneNumber string, now time.Time) (int64, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE otp_challenges
		SET expires_at = $2
		WHERE phone_number = $1 AND consumed_at IS NULL AND expires_at > $2
	`, phoneNumber, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire open otp challenges: %w", err)
	}

	return ct.RowsAffected(), nil
}

func (r *Repository) DeleteExpired(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	return r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT id
			FROM otp_challenges
			WHERE consumed_at IS NULL AND expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM otp_challenges c
		USING stale
		WHERE c.id = stale.id
	`, "delete expired otp challenges", now.UTC(), batchSize)
}

func (r *Repository) DeleteConsumedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT id
			FROM otp_challenges
			WHERE consumed_at IS NOT NULL AND consumed_at < $1
			ORDER BY consumed_at ASC
			LIMIT $2
		)
		DELETE FROM otp_challenges c
		USING stale
		WHERE c.id = stale.id
	`, "delete consumed otp challenges", cutoff.UTC(), batchSize)
}

func (r *Repository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT id
			FROM otp_challenges
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM otp_challenges c
		USING stale
		WHERE c.id = stale.id
	`, "delete old otp challenges", cutoff.UTC(), batchSize)
}

func (r *Repository) deleteBatch(ctx context.Context, query, action string, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	ct, err := r.db.Exec(ctx, query, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", action, err)
	}

	return ct.RowsAffected(), nil
}
