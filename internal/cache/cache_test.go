package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhartley/tradebook/internal/db"
	"github.com/mhartley/tradebook/internal/models"
)

func setupCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, database.InitSchema())
	t.Cleanup(func() { database.Close() })
	return New(database), dir
}

func record(id, name string) models.Record {
	return models.Record{
		ID:        id,
		Data:      []byte(`{"name":"` + name + `"}`),
		UpdatedAt: time.Now().Unix(),
	}
}

func TestGetAllEmpty(t *testing.T) {
	c, _ := setupCache(t)

	records := c.GetAll(models.StoreCustomers)
	assert.Empty(t, records)
}

func TestSyncReplacesWholesale(t *testing.T) {
	c, _ := setupCache(t)

	c.Sync(models.StoreCustomers, []models.Record{
		record("c1", "Acme"),
		record("c2", "Bolt & Sons"),
	})
	require.Len(t, c.GetAll(models.StoreCustomers), 2)

	// A new snapshot drops entries absent from it
	c.Sync(models.StoreCustomers, []models.Record{record("c2", "Bolt & Sons Ltd")})

	records := c.GetAll(models.StoreCustomers)
	require.Len(t, records, 1)
	assert.Equal(t, "c2", records[0].ID)
	assert.JSONEq(t, `{"name":"Bolt & Sons Ltd"}`, string(records[0].Data))
}

func TestSyncIsolatedPerStore(t *testing.T) {
	c, _ := setupCache(t)

	c.Sync(models.StoreCustomers, []models.Record{record("c1", "Acme")})
	c.Sync(models.StoreQuotes, []models.Record{record("q1", "Bathroom refit")})

	c.Sync(models.StoreCustomers, nil)

	assert.Empty(t, c.GetAll(models.StoreCustomers))
	assert.Len(t, c.GetAll(models.StoreQuotes), 1)
}

func TestLastSyncTimeRoundTrip(t *testing.T) {
	c, _ := setupCache(t)

	assert.True(t, c.LastSyncTime().IsZero())

	ts := time.Now().Truncate(time.Second)
	c.SetLastSyncTime(ts)
	assert.Equal(t, ts.Unix(), c.LastSyncTime().Unix())
}

func TestLastSyncTimeSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	database, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, database.InitSchema())

	ts := time.Now().Truncate(time.Second)
	first := New(database)
	first.SetLastSyncTime(ts)
	first.Sync(models.StoreExpenses, []models.Record{record("e1", "Fuel")})
	require.NoError(t, database.Close())

	reopened, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, reopened.InitSchema())
	defer reopened.Close()

	second := New(reopened)
	assert.Equal(t, ts.Unix(), second.LastSyncTime().Unix())
	assert.Len(t, second.GetAll(models.StoreExpenses), 1)
}
