package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrTokenNotFound = errors.New("token: refresh token not found")

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const refreshColumns = `id, user_id, family_id, value_hash, lookup_hash, issued_at, expires_at, used, revoked, revoked_at, device_fingerprint, ip_address, user_agent`

func scanRefreshToken(row pgx.Row) (*RefreshToken, error) {
	var rt RefreshToken
	err := row.Scan(
		&rt.ID, &rt.UserID, &rt.FamilyID, &rt.Value, &rt.LookupHash,
		&rt.IssuedAt, &rt.ExpiresAt, &rt.Used, &rt.Revoked, &rt.RevokedAt,
		&rt.Binding.DeviceFingerprint, &rt.Binding.IPAddress, &rt.Binding.UserAgent,
	)
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

func (r *Repository) Create(ctx context.Context, rt *RefreshToken) error {
	if err := insertRefreshToken(ctx, r.db, rt); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRefreshToken(ctx context.Context, db execer, rt *RefreshToken) error {
	_, err := db.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, family_id, value_hash, lookup_hash, issued_at, expires_at, used, revoked, device_fingerprint, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rt.ID, rt.UserID, rt.FamilyID, rt.Value, rt.LookupHash,
		rt.IssuedAt.UTC(), rt.ExpiresAt.UTC(), rt.Used, rt.Revoked,
		rt.Binding.DeviceFingerprint, rt.Binding.IPAddress, rt.Binding.UserAgent)
	return err
}

// FindByLookup fetches a refresh token by its indexed lookup key. Callers
// must still verify the peppered value hash before trusting the row.
func (r *Repository) FindByLookup(ctx context.Context, lookupHash string) (*RefreshToken, error) {
	rt, err := scanRefreshToken(r.db.QueryRow(ctx, `
		SELECT `+refreshColumns+`
		FROM refresh_tokens
		WHERE lookup_hash = $1
	`, lookupHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("query refresh token: %w", err)
	}
	return rt, nil
}

// RotateParams carries one rotation attempt. ProvidedHash is the peppered
// hash of the presented secret; Successor is the fully built replacement
// token, persisted only when the attempt succeeds.
type RotateParams struct {
	LookupHash     string
	ProvidedHash   string
	Binding        Binding
	EnforceBinding bool
	Successor      *RefreshToken
	Now            time.Time
}

// RotateOutcome reports what a rotation attempt did. RevokedTokens is only
// set on reuse detection, where the whole family is shut down.
type RotateOutcome struct {
	Status        RotationStatus
	UserID        string
	FamilyID      string
	RevokedTokens int64
}

// Rotate performs the single-use exchange of a refresh token inside one
// transaction. The presented row is locked for the duration, so two
// concurrent attempts with the same secret serialize: the first wins, the
// second sees a used token and trips family revocation.
func (r *Repository) Rotate(ctx context.Context, p RotateParams) (RotateOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return RotateOutcome{}, fmt.Errorf("begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanRefreshToken(tx.QueryRow(ctx, `
		SELECT `+refreshColumns+`
		FROM refresh_tokens
		WHERE lookup_hash = $1
		FOR UPDATE
	`, p.LookupHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RotateOutcome{Status: RotationInvalidToken}, nil
		}
		return RotateOutcome{}, fmt.Errorf("lock refresh token: %w", err)
	}

	outcome := RotateOutcome{UserID: current.UserID, FamilyID: current.FamilyID}

	if subtle.ConstantTimeCompare([]byte(p.ProvidedHash), []byte(current.Value)) != 1 {
		outcome.Status = RotationInvalidToken
		return outcome, nil
	}

	now := p.Now.UTC()

	if current.Used {
		// The secret was already exchanged once. Someone is replaying it,
		// and there is no telling which holder is legitimate, so every
		// descendant of this login is shut down.
		revoked, err := revokeFamilyTx(ctx, tx, current.FamilyID, now)
		if err != nil {
			return RotateOutcome{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return RotateOutcome{}, fmt.Errorf("commit family revocation: %w", err)
		}
		outcome.Status = RotationReuseDetected
		outcome.RevokedTokens = revoked
		return outcome, nil
	}

	if current.Revoked || !current.ExpiresAt.After(now) {
		outcome.Status = RotationNoLongerValid
		return outcome, nil
	}

	if p.EnforceBinding && current.Binding.DeviceFingerprint != "" &&
		current.Binding.DeviceFingerprint != p.Binding.DeviceFingerprint {
		outcome.Status = RotationBindingFailed
		return outcome, nil
	}

	var userExists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, current.UserID).Scan(&userExists)
	if err != nil {
		return RotateOutcome{}, fmt.Errorf("check token owner: %w", err)
	}
	if !userExists {
		outcome.Status = RotationUserNotFound
		return outcome, nil
	}

	ct, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET used = TRUE
		WHERE id = $1 AND used = FALSE
	`, current.ID)
	if err != nil {
		return RotateOutcome{}, fmt.Errorf("mark refresh token used: %w", err)
	}
	if ct.RowsAffected() == 0 {
		outcome.Status = RotationNoLongerValid
		return outcome, nil
	}

	p.Successor.UserID = current.UserID
	p.Successor.FamilyID = current.FamilyID
	if err := insertRefreshToken(ctx, tx, p.Successor); err != nil {
		return RotateOutcome{}, fmt.Errorf("insert successor token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RotateOutcome{}, fmt.Errorf("commit rotation: %w", err)
	}

	outcome.Status = RotationOK
	return outcome, nil
}

func revokeFamilyTx(ctx context.Context, tx pgx.Tx, familyID string, now time.Time) (int64, error) {
	ct, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2
		WHERE family_id = $1 AND revoked = FALSE
	`, familyID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	return ct.RowsAffected(), nil
}

// RevokeFamily shuts down every token descended from one login.
func (r *Repository) RevokeFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2
		WHERE family_id = $1 AND revoked = FALSE
	`, familyID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke token family: %w", err)
	}
	return ct.RowsAffected(), nil
}

// RevokeAllForUser ends every session a user holds.
func (r *Repository) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2
		WHERE user_id = $1 AND revoked = FALSE
	`, userID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	return ct.RowsAffected(), nil
}

// RevokeAllForDevice ends the sessions a user holds on one device.
func (r *Repository) RevokeAllForDevice(ctx context.Context, userID, deviceFingerprint string, now time.Time) (int64, error) {
	ct, err := r.db.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $3
		WHERE user_id = $1 AND device_fingerprint = $2 AND revoked = FALSE
	`, userID, deviceFingerprint, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke device tokens: %w", err)
	}
	return ct.RowsAffected(), nil
}

func (r *Repository) DeleteExpired(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	return r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, "delete expired refresh tokens", now.UTC(), batchSize)
}

func (r *Repository) DeleteUsedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE used = TRUE AND issued_at < $1
			ORDER BY issued_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, "delete used refresh tokens", cutoff.UTC(), batchSize)
}

func (r *Repository) DeleteRevokedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return r.deleteBatch(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE revoked = TRUE AND revoked_at < $1
			ORDER BY revoked_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, "delete revoked refresh tokens", cutoff.UTC(), batchSize)
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
