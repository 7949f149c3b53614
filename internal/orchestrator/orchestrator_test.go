package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhartley/tradebook/internal/cache"
	"github.com/mhartley/tradebook/internal/connectivity"
	"github.com/mhartley/tradebook/internal/db"
	apperrors "github.com/mhartley/tradebook/internal/errors"
	"github.com/mhartley/tradebook/internal/models"
	"github.com/mhartley/tradebook/internal/queue"
	"github.com/mhartley/tradebook/internal/remote"
	"github.com/mhartley/tradebook/internal/syncer"
)

// storeFake is a controllable per-collection backend.
type storeFake struct {
	mu       sync.Mutex
	records  map[string]models.Record
	getErr   error
	writeErr error
	creates  int
	updates  int
}

func newStoreFake() *storeFake {
	return &storeFake{records: make(map[string]models.Record)}
}

func (f *storeFake) GetAll(ctx context.Context) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	var out []models.Record
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *storeFake) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return models.Record{}, f.writeErr
	}
	f.creates++
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *storeFake) Update(ctx context.Context, rec models.Record) (models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return models.Record{}, f.writeErr
	}
	f.updates++
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *storeFake) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	delete(f.records, id)
	return nil
}

func (f *storeFake) setErrs(getErr, writeErr error) {
	f.mu.Lock()
	f.getErr = getErr
	f.writeErr = writeErr
	f.mu.Unlock()
}

func (f *storeFake) seed(recs ...models.Record) {
	f.mu.Lock()
	for _, rec := range recs {
		f.records[rec.ID] = rec
	}
	f.mu.Unlock()
}

func (f *storeFake) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fixture struct {
	orch    *Orchestrator
	manager *syncer.Manager
	cache   *cache.Cache
	queue   *queue.Queue
	monitor *connectivity.ManualMonitor
	fakes   map[models.StoreName]*storeFake
}

func setup(t *testing.T, online bool) *fixture {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, database.InitSchema())
	t.Cleanup(func() { database.Close() })

	registry := remote.NewRegistry()
	fakes := make(map[models.StoreName]*storeFake)
	for _, store := range models.AllStores() {
		fake := newStoreFake()
		fakes[store] = fake
		require.NoError(t, registry.Register(store, fake))
	}

	f := &fixture{
		cache:   cache.New(database),
		queue:   queue.New(database),
		monitor: connectivity.NewManualMonitor(online),
		fakes:   fakes,
	}
	f.manager, err = syncer.New(syncer.Config{
		Registry:   registry,
		Cache:      f.cache,
		Queue:      f.queue,
		Monitor:    f.monitor,
		RetryDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(f.manager.Destroy)

	f.orch, err = New(Config{
		Registry: registry,
		Cache:    f.cache,
		Queue:    f.queue,
		Manager:  f.manager,
		Monitor:  f.monitor,
	})
	require.NoError(t, err)
	t.Cleanup(f.orch.Close)
	return f
}

func record(id, name string) models.Record {
	return models.Record{
		ID:        id,
		Data:      json.RawMessage(`{"name":"` + name + `"}`),
		UpdatedAt: time.Now().Unix(),
	}
}

func offline() error {
	return apperrors.New(apperrors.ErrOffline, "backend unreachable")
}

func TestRefreshAllSettlesIndependently(t *testing.T) {
	f := setup(t, true)
	f.fakes[models.StoreCustomers].seed(record("c-1", "Acme"))
	f.fakes[models.StoreQuotes].seed(record("q-1", "reroof"))
	f.fakes[models.StoreJobPacks].setErrs(offline(), nil)
	f.cache.Sync(models.StoreJobPacks, []models.Record{record("j-1", "cached pack")})

	err := f.orch.RefreshAll(context.Background())
	require.NoError(t, err)

	customers, err := f.orch.GetAll(context.Background(), models.StoreCustomers)
	require.NoError(t, err)
	assert.Len(t, customers, 1)

	// The failing collection fell back to its cached snapshot.
	packs, err := f.orch.GetAll(context.Background(), models.StoreJobPacks)
	require.NoError(t, err)
	require.Len(t, packs, 1)
	assert.Equal(t, "j-1", packs[0].ID)
}

func TestRefreshAllReportsTrulyEmptyCollections(t *testing.T) {
	f := setup(t, true)
	for _, fake := range f.fakes {
		fake.setErrs(offline(), nil)
	}
	f.cache.Sync(models.StoreCustomers, []models.Record{record("c-1", "Acme")})

	err := f.orch.RefreshAll(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoData))
	assert.Contains(t, err.Error(), "quotes")
	assert.NotContains(t, err.Error(), "customers")
}

func TestGetAllFallsBackToCache(t *testing.T) {
	f := setup(t, true)
	f.fakes[models.StoreExpenses].setErrs(offline(), nil)
	f.cache.Sync(models.StoreExpenses, []models.Record{record("e-1", "diesel")})

	records, err := f.orch.GetAll(context.Background(), models.StoreExpenses)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "e-1", records[0].ID)

	// No data anywhere is an error, not an empty success.
	_, err = f.orch.GetAll(context.Background(), models.StoreSchedule)
	require.NoError(t, err) // remote reachable, legitimately empty

	f.fakes[models.StoreQuotes].setErrs(offline(), nil)
	_, err = f.orch.GetAll(context.Background(), models.StoreQuotes)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoData))
}

func TestGetAllServesMemoryWithoutRefetch(t *testing.T) {
	f := setup(t, true)
	f.fakes[models.StoreCustomers].seed(record("c-1", "Acme"))

	first, err := f.orch.GetAll(context.Background(), models.StoreCustomers)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Even with the backend gone, the loaded working set keeps serving.
	f.fakes[models.StoreCustomers].setErrs(offline(), nil)
	second, err := f.orch.GetAll(context.Background(), models.StoreCustomers)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCreateOnlineWritesThrough(t *testing.T) {
	f := setup(t, true)

	rec, err := f.orch.Create(context.Background(), models.StoreCustomers, json.RawMessage(`{"name":"Acme"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 1, f.fakes[models.StoreCustomers].count())

	// Confirmed writes land in the cache, not the queue.
	assert.Equal(t, 0, f.queue.PendingCount())
	cached := f.cache.GetAll(models.StoreCustomers)
	require.Len(t, cached, 1)
	assert.Equal(t, rec.ID, cached[0].ID)
}

func TestCreateOfflineQueuesOptimistically(t *testing.T) {
	f := setup(t, false)
	f.fakes[models.StoreQuotes].setErrs(nil, offline())

	rec, err := f.orch.Create(context.Background(), models.StoreQuotes, json.RawMessage(`{"title":"reroof"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	// Optimistic: visible immediately despite the backend being down.
	records, err := f.orch.GetAll(context.Background(), models.StoreQuotes)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)

	pending, err := f.queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.MutationCreate, pending[0].Type)
	assert.Equal(t, rec.ID, pending[0].EntityID)

	// The manager learned about the new pending work.
	assert.Equal(t, 1, f.manager.State().PendingCount)
}

func TestUpdateOfflineQueuesOptimistically(t *testing.T) {
	f := setup(t, true)
	f.fakes[models.StoreCustomers].seed(record("c-1", "Acme"))
	_, err := f.orch.GetAll(context.Background(), models.StoreCustomers)
	require.NoError(t, err)

	f.fakes[models.StoreCustomers].setErrs(nil, offline())

	updated, err := f.orch.Update(context.Background(), models.StoreCustomers, "c-1", json.RawMessage(`{"name":"Acme Ltd"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Acme Ltd"}`, string(updated.Data))

	records, err := f.orch.GetAll(context.Background(), models.StoreCustomers)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"name":"Acme Ltd"}`, string(records[0].Data))

	pending, err := f.queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.MutationUpdate, pending[0].Type)
}

func TestDeleteOfflineQueuesAndRemoves(t *testing.T) {
	f := setup(t, true)
	f.fakes[models.StoreExpenses].seed(record("e-1", "diesel"))
	_, err := f.orch.GetAll(context.Background(), models.StoreExpenses)
	require.NoError(t, err)

	f.fakes[models.StoreExpenses].setErrs(nil, offline())

	require.NoError(t, f.orch.Delete(context.Background(), models.StoreExpenses, "e-1"))

	records, err := f.orch.GetAll(context.Background(), models.StoreExpenses)
	require.NoError(t, err)
	assert.Empty(t, records)

	pending, err := f.queue.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.MutationDelete, pending[0].Type)
	assert.Empty(t, pending[0].Payload)
}

func TestRemoteRejectionSurfacesWithoutQueueing(t *testing.T) {
	f := setup(t, true)
	f.fakes[models.StoreCustomers].setErrs(nil,
		apperrors.New(apperrors.ErrRemoteRejected, "name is required"))

	_, err := f.orch.Create(context.Background(), models.StoreCustomers, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteRejected))

	// A rejection is the caller's problem; replaying it would fail forever.
	assert.Equal(t, 0, f.queue.PendingCount())
	records, err := f.orch.GetAll(context.Background(), models.StoreCustomers)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestForegroundedThrottlesRecentSync(t *testing.T) {
	f := setup(t, true)
	f.fakes[models.StoreCustomers].seed(record("c-1", "Acme"))

	f.cache.SetLastSyncTime(time.Now())
	require.NoError(t, f.orch.Foregrounded(context.Background()))

	_, loaded := f.orch.memorySnapshot(models.StoreCustomers)
	assert.False(t, loaded, "a throttled foreground must not refresh")

	f.cache.SetLastSyncTime(time.Now().Add(-time.Hour))
	require.NoError(t, f.orch.Foregrounded(context.Background()))
	_, loaded = f.orch.memorySnapshot(models.StoreCustomers)
	assert.True(t, loaded)
}

func TestOfflineEditsConvergeAfterReconnect(t *testing.T) {
	f := setup(t, false)
	for _, fake := range f.fakes {
		fake.setErrs(nil, offline())
	}

	created, err := f.orch.Create(context.Background(), models.StoreQuotes, json.RawMessage(`{"title":"reroof","total":0}`))
	require.NoError(t, err)
	_, err = f.orch.Update(context.Background(), models.StoreQuotes, created.ID, json.RawMessage(`{"title":"reroof","total":8400}`))
	require.NoError(t, err)

	assert.Equal(t, 2, f.queue.PendingCount())

	// Reconnect: the manager replays both in order, then the post-drain
	// refresh pulls server truth back into the working set.
	for _, fake := range f.fakes {
		fake.setErrs(nil, nil)
	}
	f.monitor.SetOnline(true)

	require.Eventually(t, func() bool {
		return f.manager.State().Status == syncer.StatusSuccess &&
			f.manager.State().PendingCount == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		records, err := f.orch.GetAll(context.Background(), models.StoreQuotes)
		if err != nil || len(records) != 1 {
			return false
		}
		var quote struct {
			Total int `json:"total"`
		}
		if json.Unmarshal(records[0].Data, &quote) != nil {
			return false
		}
		return quote.Total == 8400
	}, 2*time.Second, 5*time.Millisecond, "last write must win after replay")

	quotes := f.fakes[models.StoreQuotes]
	quotes.mu.Lock()
	defer quotes.mu.Unlock()
	assert.Equal(t, 1, quotes.creates)
	assert.Equal(t, 1, quotes.updates)
	assert.Len(t, quotes.records, 1)
}
