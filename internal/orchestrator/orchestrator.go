// Package orchestrator is the application-facing data layer. It decides,
// per operation, whether to call the backend directly, fall back to the
// entity cache, or queue the write for the sync manager to replay.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mhartley/tradebook/internal/cache"
	"github.com/mhartley/tradebook/internal/connectivity"
	apperrors "github.com/mhartley/tradebook/internal/errors"
	"github.com/mhartley/tradebook/internal/logging"
	"github.com/mhartley/tradebook/internal/models"
	"github.com/mhartley/tradebook/internal/queue"
	"github.com/mhartley/tradebook/internal/remote"
	"github.com/mhartley/tradebook/internal/syncer"
)

// DefaultRefreshThrottle suppresses foreground-triggered refreshes when the
// last completed sync is this recent.
const DefaultRefreshThrottle = 5 * time.Minute

// Config wires an Orchestrator.
type Config struct {
	Registry        *remote.Registry
	Cache           *cache.Cache
	Queue           *queue.Queue
	Manager         *syncer.Manager
	Monitor         connectivity.Monitor
	RefreshThrottle time.Duration
}

// Orchestrator keeps the in-memory working set the UI renders from and
// routes reads and writes between the backend, the cache and the queue.
type Orchestrator struct {
	registry        *remote.Registry
	cache           *cache.Cache
	queue           *queue.Queue
	manager         *syncer.Manager
	monitor         connectivity.Monitor
	refreshThrottle time.Duration

	mu     sync.RWMutex
	memory map[models.StoreName]map[string]models.Record
	loaded map[models.StoreName]bool

	refreshMu   sync.Mutex
	refreshing  bool
	lastStatus  syncer.Status
	unsubSyncer func()
}

// New creates an Orchestrator and subscribes to the sync manager so that a
// successful drain pulls server-side effects (such as server-assigned ids
// for records created offline) back into memory.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil || cfg.Cache == nil || cfg.Queue == nil || cfg.Manager == nil || cfg.Monitor == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "orchestrator: all dependencies are required")
	}
	if cfg.RefreshThrottle <= 0 {
		cfg.RefreshThrottle = DefaultRefreshThrottle
	}

	o := &Orchestrator{
		registry:        cfg.Registry,
		cache:           cfg.Cache,
		queue:           cfg.Queue,
		manager:         cfg.Manager,
		monitor:         cfg.Monitor,
		refreshThrottle: cfg.RefreshThrottle,
		memory:          make(map[models.StoreName]map[string]models.Record),
		loaded:          make(map[models.StoreName]bool),
	}
	o.unsubSyncer = cfg.Manager.Subscribe(o.onSyncState)
	return o, nil
}

// Close detaches the orchestrator from the sync manager.
func (o *Orchestrator) Close() {
	if o.unsubSyncer != nil {
		o.unsubSyncer()
	}
}

// onSyncState refreshes the working set once a drain completes successfully,
// so replayed mutations' server-side effects land back in memory. Replaying
// itself is exclusively the sync manager's job.
func (o *Orchestrator) onSyncState(state syncer.State) {
	previous := o.swapLastStatus(state.Status)
	if state.Status == syncer.StatusSuccess && previous == syncer.StatusSyncing {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := o.RefreshAll(ctx); err != nil {
				logging.Warn("Post-sync refresh failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}
}

func (o *Orchestrator) swapLastStatus(status syncer.Status) syncer.Status {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()
	previous := o.lastStatus
	o.lastStatus = status
	return previous
}

// RefreshAll fetches every collection in parallel, each settling
// independently: one failing collection never blanks out the others. On
// failure a collection falls back to its cached snapshot; an error is
// returned only for collections with no remote and no cached data at all.
func (o *Orchestrator) RefreshAll(ctx context.Context) error {
	if !o.beginRefresh() {
		return nil
	}
	defer o.endRefresh()

	stores := o.registry.Stores()

	type outcome struct {
		store   models.StoreName
		records []models.Record
		err     error
	}

	results := make(chan outcome, len(stores))
	for _, store := range stores {
		go func(store models.StoreName) {
			svc, err := o.registry.Service(store)
			if err != nil {
				results <- outcome{store: store, err: err}
				return
			}
			records, err := svc.GetAll(ctx)
			results <- outcome{store: store, records: records, err: err}
		}(store)
	}

	var empty []string
	for range stores {
		res := <-results
		if res.err == nil {
			o.setMemory(res.store, res.records)
			o.cache.Sync(res.store, res.records)
			continue
		}

		logging.Warn("Collection fetch failed, falling back to cache", map[string]interface{}{
			"store": string(res.store),
			"error": res.err.Error(),
		})
		cached := o.cache.GetAll(res.store)
		if len(cached) > 0 {
			o.setMemory(res.store, cached)
		} else if !o.isLoaded(res.store) {
			empty = append(empty, string(res.store))
		}
	}

	if len(empty) > 0 {
		return apperrors.New(apperrors.ErrNoData,
			fmt.Sprintf("no remote or cached data for: %s", strings.Join(empty, ", ")))
	}
	return nil
}

// Foregrounded handles the tab-became-foreground signal: a cross-device
// refresh, throttled when the last completed sync is recent.
func (o *Orchestrator) Foregrounded(ctx context.Context) error {
	last := o.cache.LastSyncTime()
	if !last.IsZero() && time.Since(last) < o.refreshThrottle {
		logging.Debug("Foreground refresh throttled", map[string]interface{}{
			"last_sync": last.Format(time.RFC3339),
		})
		return nil
	}
	return o.RefreshAll(ctx)
}

// GetAll returns the working set for a collection: memory first, then a
// direct fetch, then the cached snapshot. An error means no data exists
// anywhere.
func (o *Orchestrator) GetAll(ctx context.Context, store models.StoreName) ([]models.Record, error) {
	if records, ok := o.memorySnapshot(store); ok {
		return records, nil
	}

	svc, err := o.registry.Service(store)
	if err != nil {
		return nil, err
	}

	records, fetchErr := svc.GetAll(ctx)
	if fetchErr == nil {
		o.setMemory(store, records)
		o.cache.Sync(store, records)
		return records, nil
	}

	cached := o.cache.GetAll(store)
	if len(cached) > 0 {
		o.setMemory(store, cached)
		return cached, nil
	}
	return nil, apperrors.Wrap(apperrors.ErrNoData,
		fmt.Sprintf("no remote or cached data for %s", store), fetchErr)
}

// Create stores a new record. Online, the backend answers with any
// server-assigned fields. Offline, the write is queued under a
// client-generated id and applied optimistically; the real id arrives with
// the post-drain refresh.
func (o *Orchestrator) Create(ctx context.Context, store models.StoreName, data json.RawMessage) (models.Record, error) {
	svc, err := o.registry.Service(store)
	if err != nil {
		return models.Record{}, err
	}

	rec := models.Record{
		ID:        uuid.New().String(),
		Data:      data,
		UpdatedAt: time.Now().Unix(),
	}

	created, callErr := svc.Create(ctx, rec)
	if callErr == nil {
		o.applyMemory(store, created)
		o.syncCacheFromMemory(store)
		return created, nil
	}
	if !apperrors.IsOffline(callErr) {
		return models.Record{}, callErr
	}

	if _, err := o.queue.Enqueue(models.MutationCreate, store, rec.ID, data); err != nil {
		return models.Record{}, err
	}
	o.applyMemory(store, rec)
	o.manager.NoteEnqueued()
	return rec, nil
}

// Update overwrites a record, queueing on offline failure.
func (o *Orchestrator) Update(ctx context.Context, store models.StoreName, id string, data json.RawMessage) (models.Record, error) {
	svc, err := o.registry.Service(store)
	if err != nil {
		return models.Record{}, err
	}

	rec := models.Record{
		ID:        id,
		Data:      data,
		UpdatedAt: time.Now().Unix(),
	}

	updated, callErr := svc.Update(ctx, rec)
	if callErr == nil {
		o.applyMemory(store, updated)
		o.syncCacheFromMemory(store)
		return updated, nil
	}
	if !apperrors.IsOffline(callErr) {
		return models.Record{}, callErr
	}

	if _, err := o.queue.Enqueue(models.MutationUpdate, store, id, data); err != nil {
		return models.Record{}, err
	}
	o.applyMemory(store, rec)
	o.manager.NoteEnqueued()
	return rec, nil
}

// Delete removes a record, queueing on offline failure.
func (o *Orchestrator) Delete(ctx context.Context, store models.StoreName, id string) error {
	svc, err := o.registry.Service(store)
	if err != nil {
		return err
	}

	callErr := svc.Delete(ctx, id)
	if callErr == nil {
		o.removeMemory(store, id)
		o.syncCacheFromMemory(store)
		return nil
	}
	if !apperrors.IsOffline(callErr) {
		return callErr
	}

	if _, err := o.queue.Enqueue(models.MutationDelete, store, id, nil); err != nil {
		return err
	}
	o.removeMemory(store, id)
	o.manager.NoteEnqueued()
	return nil
}

// --- in-memory working set ---

func (o *Orchestrator) setMemory(store models.StoreName, records []models.Record) {
	byID := make(map[string]models.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	o.mu.Lock()
	o.memory[store] = byID
	o.loaded[store] = true
	o.mu.Unlock()
}

func (o *Orchestrator) applyMemory(store models.StoreName, rec models.Record) {
	o.mu.Lock()
	if o.memory[store] == nil {
		o.memory[store] = make(map[string]models.Record)
	}
	o.memory[store][rec.ID] = rec
	o.loaded[store] = true
	o.mu.Unlock()
}

func (o *Orchestrator) removeMemory(store models.StoreName, id string) {
	o.mu.Lock()
	delete(o.memory[store], id)
	o.mu.Unlock()
}

func (o *Orchestrator) memorySnapshot(store models.StoreName) ([]models.Record, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.loaded[store] {
		return nil, false
	}
	records := make([]models.Record, 0, len(o.memory[store]))
	for _, rec := range o.memory[store] {
		records = append(records, rec)
	}
	return records, true
}

func (o *Orchestrator) isLoaded(store models.StoreName) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.loaded[store]
}

// syncCacheFromMemory overwrites the cached collection with the in-memory
// working set after a confirmed remote write.
func (o *Orchestrator) syncCacheFromMemory(store models.StoreName) {
	records, ok := o.memorySnapshot(store)
	if !ok {
		return
	}
	o.cache.Sync(store, records)
}

func (o *Orchestrator) beginRefresh() bool {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()
	if o.refreshing {
		return false
	}
	o.refreshing = true
	return true
}

func (o *Orchestrator) endRefresh() {
	o.refreshMu.Lock()
	o.refreshing = false
	o.refreshMu.Unlock()
}
