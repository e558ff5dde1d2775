package token

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return NewRepository(mock), mock
}

func refreshRow(rt *RefreshToken) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "family_id", "value_hash", "lookup_hash",
		"issued_at", "expires_at", "used", "revoked", "revoked_at",
		"device_fingerprint", "ip_address", "user_agent",
	}).AddRow(
		rt.ID, rt.UserID, rt.FamilyID, rt.Value, rt.LookupHash,
		rt.IssuedAt, rt.ExpiresAt, rt.Used, rt.Revoked, rt.RevokedAt,
		rt.Binding.DeviceFingerprint, rt.Binding.IPAddress, rt.Binding.UserAgent,
	)
}

func sampleToken(now time.Time) *RefreshToken {
	return &RefreshToken{
		ID:         "tok-1",
		UserID:     "user-1",
		FamilyID:   "fam-1",
		Value:      "stored-hash",
		LookupHash: "lookup-1",
		IssuedAt:   now.Add(-time.Hour),
		ExpiresAt:  now.Add(29 * 24 * time.Hour),
	}
}

func sampleSuccessor(now time.Time) *RefreshToken {
	return &RefreshToken{
		ID:         "tok-2",
		Value:      "successor-hash",
		LookupHash: "lookup-2",
		IssuedAt:   now,
		ExpiresAt:  now.Add(30 * 24 * time.Hour),
	}
}

func TestRepository_Rotate_HappyPath(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Now().UTC()
	current := sampleToken(now)
	successor := sampleSuccessor(now)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM refresh_tokens\s+WHERE lookup_hash = \$1\s+FOR UPDATE`).
		WithArgs(current.LookupHash).
		WillReturnRows(refreshRow(current))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(current.UserID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`UPDATE refresh_tokens\s+SET used = TRUE`).
		WithArgs(current.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(successor.ID, current.UserID, current.FamilyID, successor.Value, successor.LookupHash,
			successor.IssuedAt, successor.ExpiresAt, false, false, "", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	outcome, err := repo.Rotate(context.Background(), RotateParams{
		LookupHash:   current.LookupHash,
		ProvidedHash: current.Value,
		Successor:    successor,
		Now:          now,
	})
	require.NoError(t, err)

	assert.Equal(t, RotationOK, outcome.Status)
	assert.Equal(t, current.UserID, outcome.UserID)
	assert.Equal(t, current.FamilyID, outcome.FamilyID)
	assert.Equal(t, current.FamilyID, successor.FamilyID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Rotate_UnknownLookup(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FOR UPDATE`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "family_id", "value_hash", "lookup_hash",
			"issued_at", "expires_at", "used", "revoked", "revoked_at",
			"device_fingerprint", "ip_address", "user_agent",
		}))
	mock.ExpectRollback()

	outcome, err := repo.Rotate(context.Background(), RotateParams{
		LookupHash:   "missing",
		ProvidedHash: "anything",
		Successor:    sampleSuccessor(now),
		Now:          now,
	})
	require.NoError(t, err)
	assert.Equal(t, RotationInvalidToken, outcome.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Rotate_ReuseRevokesFamily(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Now().UTC()
	current := sampleToken(now)
	current.Used = true

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FOR UPDATE`).
		WithArgs(current.LookupHash).
		WillReturnRows(refreshRow(current))
	mock.ExpectExec(`UPDATE refresh_tokens\s+SET revoked = TRUE`).
		WithArgs(current.FamilyID, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()
	mock.ExpectRollback()

	outcome, err := repo.Rotate(context.Background(), RotateParams{
		LookupHash:   current.LookupHash,
		ProvidedHash: current.Value,
		Successor:    sampleSuccessor(now),
		Now:          now,
	})
	require.NoError(t, err)

	assert.Equal(t, RotationReuseDetected, outcome.Status)
	assert.Equal(t, int64(3), outcome.RevokedTokens)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Rotate_WrongSecretNeverTouchesState(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Now().UTC()
	current := sampleToken(now)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FOR UPDATE`).
		WithArgs(current.LookupHash).
		WillReturnRows(refreshRow(current))
	mock.ExpectRollback()

	outcome, err := repo.Rotate(context.Background(), RotateParams{
		LookupHash:   current.LookupHash,
		ProvidedHash: "not-the-stored-hash",
		Successor:    sampleSuccessor(now),
		Now:          now,
	})
	require.NoError(t, err)

	assert.Equal(t, RotationInvalidToken, outcome.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Rotate_MissingOwner(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Now().UTC()
	current := sampleToken(now)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FOR UPDATE`).
		WithArgs(current.LookupHash).
		WillReturnRows(refreshRow(current))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(current.UserID).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	outcome, err := repo.Rotate(context.Background(), RotateParams{
		LookupHash:   current.LookupHash,
		ProvidedHash: current.Value,
		Successor:    sampleSuccessor(now),
		Now:          now,
	})
	require.NoError(t, err)

	assert.Equal(t, RotationUserNotFound, outcome.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FindByLookup_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM refresh_tokens`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "family_id", "value_hash", "lookup_hash",
			"issued_at", "expires_at", "used", "revoked", "revoked_at",
			"device_fingerprint", "ip_address", "user_agent",
		}))

	_, err := repo.FindByLookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DeleteExpired(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Now().UTC()
	mock.ExpectExec(`DELETE FROM refresh_tokens`).
		WithArgs(now, 1000).
		WillReturnResult(pgxmock.NewResult("DELETE", 1000))

	n, err := repo.DeleteExpired(context.Background(), now, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
