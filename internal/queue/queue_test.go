package queue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhartley/tradebook/internal/db"
	apperrors "github.com/mhartley/tradebook/internal/errors"
	"github.com/mhartley/tradebook/internal/models"
)

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, database.InitSchema())
	t.Cleanup(func() { database.Close() })
	return New(database)
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	q := setupQueue(t)

	mut, err := q.Enqueue(models.MutationCreate, models.StoreCustomers, "tmp-1", []byte(`{"name":"Acme"}`))
	require.NoError(t, err)

	assert.NotEmpty(t, mut.ID)
	assert.NotZero(t, mut.Seq)
	assert.Equal(t, 0, mut.RetryCount)
	assert.NotZero(t, mut.CreatedAt)
}

func TestEnqueueRejectsUnknownStore(t *testing.T) {
	q := setupQueue(t)

	_, err := q.Enqueue(models.MutationCreate, models.StoreName("invoices"), "x", nil)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownStore))
}

func TestPendingPreservesGlobalOrder(t *testing.T) {
	q := setupQueue(t)

	// Interleave collections; replay order must match enqueue order exactly
	_, err := q.Enqueue(models.MutationCreate, models.StoreJobPacks, "jp-1", []byte(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue(models.MutationCreate, models.StoreCustomers, "c-1", []byte(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue(models.MutationUpdate, models.StoreJobPacks, "jp-1", []byte(`{"done":true}`))
	require.NoError(t, err)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)

	assert.Equal(t, models.StoreJobPacks, pending[0].Store)
	assert.Equal(t, models.StoreCustomers, pending[1].Store)
	assert.Equal(t, models.StoreJobPacks, pending[2].Store)
	assert.Equal(t, models.MutationUpdate, pending[2].Type)
	assert.Less(t, pending[0].Seq, pending[1].Seq)
	assert.Less(t, pending[1].Seq, pending[2].Seq)
}

func TestRemove(t *testing.T) {
	q := setupQueue(t)

	mut, err := q.Enqueue(models.MutationDelete, models.StoreExpenses, "e-1", nil)
	require.NoError(t, err)

	require.NoError(t, q.Remove(mut.ID))
	assert.Equal(t, 0, q.PendingCount())

	err = q.Remove(mut.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRecordFailureKeepsMutation(t *testing.T) {
	q := setupQueue(t)

	mut, err := q.Enqueue(models.MutationUpdate, models.StoreQuotes, "q-1", []byte(`{}`))
	require.NoError(t, err)

	count, err := q.RecordFailure(mut.ID, errors.New("backend returned 500"))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "backend returned 500", pending[0].LastError)
}

func TestRetryCapMovesToStalled(t *testing.T) {
	q := setupQueue(t)

	mut, err := q.Enqueue(models.MutationCreate, models.StoreSchedule, "s-1", []byte(`{}`))
	require.NoError(t, err)

	for i := 1; i <= models.MaxRetries; i++ {
		count, err := q.RecordFailure(mut.ID, errors.New("validation failed"))
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	// Capped mutations leave the replayable set but are never deleted
	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	stalled, err := q.Stalled()
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, models.MaxRetries, stalled[0].RetryCount)
	assert.True(t, stalled[0].Stalled())

	assert.Equal(t, 1, q.PendingCount())
	assert.Equal(t, 1, q.StalledCount())
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	database, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, database.InitSchema())

	q := New(database)
	_, err = q.Enqueue(models.MutationCreate, models.StoreCustomers, "c-1", []byte(`{"name":"Acme"}`))
	require.NoError(t, err)
	require.NoError(t, database.Close())

	reopened, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, reopened.InitSchema())
	defer reopened.Close()

	pending, err := New(reopened).Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c-1", pending[0].EntityID)
}
