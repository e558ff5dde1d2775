package otp

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

func TestRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Now().UTC()
	challenge := &Challenge{
		ID:          "ch-1",
		PhoneNumber: "+15550001111",
		HashedCode:  "digest",
		Nonce:       "nonce",
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
	}

	mock.ExpectExec(`INSERT INTO otp_challenges`).
		WithArgs(challenge.ID, challenge.PhoneNumber, challenge.HashedCode, challenge.Nonce, 0, now, challenge.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), challenge))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT id, phone_number`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "phone_number", "hashed_code", "nonce", "attempts", "created_at", "consumed_at", "expires_at",
		}))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Consume_AlreadyConsumed(t *testing.T) {
	repo, mock := newMockRepo(t)

	when := time.Now().UTC()
	mock.ExpectExec(`UPDATE otp_challenges`).
		WithArgs("ch-1", when).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Consume(context.Background(), "ch-1", when)
	assert.ErrorIs(t, err, ErrChallengeConsumed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DeleteConsumedBefore(t *testing.T) {
	repo, mock := newMockRepo(t)

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	mock.ExpectExec(`DELETE FROM otp_challenges`).
		WithArgs(cutoff, 2000).
		WillReturnResult(pgxmock.NewResult("DELETE", 2000))

	n, err := repo.DeleteConsumedBefore(context.Background(), cutoff, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
