package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore pretends to hold a fixed number of deletable rows and serves
// them out one bounded batch at a time.
type countingStore struct {
	expiredRemaining  int64
	consumedRemaining int64
	agedRemaining     int64
	calls             []int64
}

func (s *countingStore) drain(remaining *int64, batchSize int) int64 {
	n := min(*remaining, int64(batchSize))
	*remaining -= n
	s.calls = append(s.calls, n)
	return n
}

func (s *countingStore) DeleteExpired(_ context.Context, _ time.Time, batchSize int) (int64, error) {
	return s.drain(&s.expiredRemaining, batchSize), nil
}

func (s *countingStore) DeleteConsumedBefore(_ context.Context, _ time.Time, batchSize int) (int64, error) {
	return s.drain(&s.consumedRemaining, batchSize), nil
}

func (s *countingStore) DeleteCreatedBefore(_ context.Context, _ time.Time, batchSize int) (int64, error) {
	return s.drain(&s.agedRemaining, batchSize), nil
}

func TestChallengeCleanup_DrainsInBoundedBatches(t *testing.T) {
	store := &countingStore{consumedRemaining: 2500}

	job := NewChallengeCleanup(store)
	job.batchSize = 1000

	counters, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2500), counters["consumed_deleted"])
	assert.Equal(t, int64(0), counters["expired_deleted"])

	// 2500 rows at 1000 per batch: two full batches and one short one, the
	// short one ending the drain. The empty expired and aged probes
	// bracket them.
	assert.Equal(t, []int64{0, 1000, 1000, 500, 0}, store.calls)
}

func TestChallengeCleanup_ExactMultipleNeedsOneExtraProbe(t *testing.T) {
	store := &countingStore{consumedRemaining: 2000}

	job := NewChallengeCleanup(store)
	job.batchSize = 1000

	counters, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2000), counters["consumed_deleted"])
	assert.Equal(t, []int64{0, 1000, 1000, 0, 0}, store.calls)
}

type tokenCountingStore struct {
	expired, used, revoked, audit int64
}

func drainCount(remaining *int64, batchSize int) int64 {
	n := min(*remaining, int64(batchSize))
	*remaining -= n
	return n
}

func (s *tokenCountingStore) DeleteExpired(_ context.Context, _ time.Time, batchSize int) (int64, error) {
	return drainCount(&s.expired, batchSize), nil
}

func (s *tokenCountingStore) DeleteUsedBefore(_ context.Context, _ time.Time, batchSize int) (int64, error) {
	return drainCount(&s.used, batchSize), nil
}

func (s *tokenCountingStore) DeleteRevokedBefore(_ context.Context, _ time.Time, batchSize int) (int64, error) {
	return drainCount(&s.revoked, batchSize), nil
}

func (s *tokenCountingStore) DeleteAccessAuditBefore(_ context.Context, _ time.Time, batchSize int) (int64, error) {
	return drainCount(&s.audit, batchSize), nil
}

func TestTokenCleanup_ReportsPerCategoryCounters(t *testing.T) {
	store := &tokenCountingStore{expired: 1500, used: 30, revoked: 0, audit: 12}

	job := NewTokenCleanup(store)

	counters, err := job.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1500), counters["expired_deleted"])
	assert.Equal(t, int64(30), counters["used_deleted"])
	assert.Equal(t, int64(0), counters["revoked_deleted"])
	assert.Equal(t, int64(12), counters["audit_deleted"])
}

type failingStore struct {
	tokenCountingStore
	err error
}

func (s *failingStore) DeleteExpired(context.Context, time.Time, int) (int64, error) {
	return 0, s.err
}

func TestTokenCleanup_SurfacesStoreErrors(t *testing.T) {
	boom := errors.New("connection reset")
	job := NewTokenCleanup(&failingStore{err: boom})

	_, err := job.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestBatchDelete_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := batchDelete(ctx, 100, func(context.Context, int) (int64, error) {
		t.Fatal("delete must not run after cancellation")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
