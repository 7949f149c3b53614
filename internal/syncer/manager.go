// Package syncer drains the mutation queue against the backend. The Manager
// is the single source of truth for connectivity-driven sync state and the
// only component permitted to replay queued mutations.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mhartley/tradebook/internal/cache"
	"github.com/mhartley/tradebook/internal/connectivity"
	apperrors "github.com/mhartley/tradebook/internal/errors"
	"github.com/mhartley/tradebook/internal/logging"
	"github.com/mhartley/tradebook/internal/models"
	"github.com/mhartley/tradebook/internal/queue"
	"github.com/mhartley/tradebook/internal/remote"
)

// DefaultRetryDelay is how long after a failed drain the next attempt is
// scheduled, as long as the process stays online.
const DefaultRetryDelay = 30 * time.Second

// Config wires a Manager. All dependencies are required except RetryDelay.
type Config struct {
	Registry   *remote.Registry
	Cache      *cache.Cache
	Queue      *queue.Queue
	Monitor    connectivity.Monitor
	RetryDelay time.Duration
}

// Manager owns the sync state machine. It is an explicitly constructed
// service: create one per process, share it by handle, and tear it down
// with Destroy.
type Manager struct {
	registry   *remote.Registry
	cache      *cache.Cache
	queue      *queue.Queue
	monitor    connectivity.Monitor
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	state          State
	listeners      map[int]Listener
	nextListenerID int
	syncInProgress bool
	retryTimer     *time.Timer
	unsubMonitor   func()
	destroyed      bool
	notifyQueue    []notification
	notifying      bool
}

// notification is one published snapshot plus the listeners it goes to,
// captured together under the lock so delivery order matches publish order.
type notification struct {
	fns  []Listener
	snap State
}

// New creates a Manager, seeds its state from the durable stores, and
// subscribes to the connectivity monitor. An online transition, a retry
// timer firing and ForceSync all funnel into the same guarded drain.
func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil || cfg.Cache == nil || cfg.Queue == nil || cfg.Monitor == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "syncer: registry, cache, queue and monitor are required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:   cfg.Registry,
		cache:      cfg.Cache,
		queue:      cfg.Queue,
		monitor:    cfg.Monitor,
		retryDelay: cfg.RetryDelay,
		ctx:        ctx,
		cancel:     cancel,
		listeners:  make(map[int]Listener),
		state: State{
			Online:       cfg.Monitor.Online(),
			Status:       StatusIdle,
			PendingCount: cfg.Queue.PendingCount(),
			StalledCount: cfg.Queue.StalledCount(),
			LastSyncTime: cfg.Cache.LastSyncTime(),
		},
	}
	m.unsubMonitor = cfg.Monitor.Subscribe(m.handleConnectivity)
	return m, nil
}

// Subscribe registers a listener. It is invoked immediately with the current
// state and again on every change. The returned function unsubscribes.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = fn
	snapshot := m.state.clone()
	m.mu.Unlock()

	fn(snapshot)

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// State returns the current state snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// ForceSync requests an immediate drain. It returns false when a drain is
// already running, the process is offline, or the manager is destroyed: at
// most one drain runs at a time no matter how many triggers fire.
func (m *Manager) ForceSync() bool {
	m.mu.Lock()
	if m.destroyed || m.syncInProgress || !m.state.Online {
		m.mu.Unlock()
		return false
	}
	m.syncInProgress = true
	m.cancelRetryLocked()
	m.state.Status = StatusSyncing
	m.state.Errors = nil
	m.publishLocked()
	m.mu.Unlock()
	m.flushNotifications()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drain()
	}()
	return true
}

// PullFromServer bulk-overwrites the entity cache with fresh snapshots, one
// per store, so the cache reflects server truth outside the replay path.
func (m *Manager) PullFromServer(snapshots map[models.StoreName][]models.Record) {
	for store, records := range snapshots {
		m.cache.Sync(store, records)
	}
}

// NoteEnqueued tells the manager a mutation was queued outside a drain so
// subscribers see the new pending count without waiting for the next pass.
// When the monitor still reports online (a write can fail at request level
// before the probe notices anything) it also starts a drain, so the new
// mutation never sits waiting for a connectivity flap.
func (m *Manager) NoteEnqueued() {
	pending := m.queue.PendingCount()
	stalled := m.queue.StalledCount()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.state.PendingCount = pending
	m.state.StalledCount = stalled
	m.publishLocked()
	m.mu.Unlock()
	m.flushNotifications()

	m.ForceSync()
}

// Destroy tears the manager down: cancels any scheduled retry, detaches from
// the connectivity monitor and waits for an in-flight drain to finish.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.cancelRetryLocked()
	unsub := m.unsubMonitor
	m.listeners = make(map[int]Listener)
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.cancel()
	m.wg.Wait()
}

// handleConnectivity feeds monitor transitions into the state machine. An
// offline event cancels the pending retry timer and halts further draining;
// an online event starts a drain.
func (m *Manager) handleConnectivity(online bool) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.state.Online = online
	if !online {
		m.cancelRetryLocked()
		if !m.syncInProgress {
			m.state.Status = StatusIdle
		}
	}
	m.publishLocked()
	m.mu.Unlock()
	m.flushNotifications()

	if online {
		m.ForceSync()
	}
}

// drain replays every currently-queued mutation in strict enqueue order.
// A failed entry is recorded and skipped so one poisoned mutation does not
// block the rest; an offline-class failure pauses the whole pass without
// burning a retry attempt.
func (m *Manager) drain() {
	pending, err := m.queue.Pending()
	if err != nil {
		logging.Error("Failed to read mutation queue", err, nil)
		m.finalize([]string{err.Error()}, false)
		return
	}

	var drainErrs []string
	halted := false

	for i := range pending {
		mut := &pending[i]

		select {
		case <-m.ctx.Done():
			halted = true
		default:
		}
		if halted || !m.monitor.Online() {
			halted = true
			break
		}

		m.setCurrentlySyncing(mut.EntityID)

		if err := m.replay(mut); err != nil {
			if apperrors.IsOffline(err) {
				logging.Warn("Backend unreachable mid-drain, pausing", map[string]interface{}{
					"mutation_id": mut.ID,
					"store":       string(mut.Store),
				})
				halted = true
				break
			}

			drainErrs = append(drainErrs, fmt.Sprintf("%s %s/%s: %v", mut.Type, mut.Store, mut.EntityID, err))
			count, recErr := m.queue.RecordFailure(mut.ID, err)
			if recErr != nil {
				logging.Error("Failed to record replay failure", recErr,
					map[string]interface{}{"mutation_id": mut.ID})
				continue
			}
			logging.Warn("Mutation replay failed", map[string]interface{}{
				"mutation_id": mut.ID,
				"store":       string(mut.Store),
				"entity_id":   mut.EntityID,
				"retry_count": count,
				"error":       err.Error(),
			})
			continue
		}

		if err := m.queue.Remove(mut.ID); err != nil {
			logging.Error("Failed to remove replayed mutation", err,
				map[string]interface{}{"mutation_id": mut.ID})
		}
		logging.Info("Mutation replayed", map[string]interface{}{
			"mutation_id": mut.ID,
			"type":        string(mut.Type),
			"store":       string(mut.Store),
			"entity_id":   mut.EntityID,
		})
	}

	m.finalize(drainErrs, halted)
}

// replay dispatches one mutation to the backend service registered for its
// collection, hitting the same CRUD surface a direct online write would.
func (m *Manager) replay(mut *models.PendingMutation) error {
	svc, err := m.registry.Service(mut.Store)
	if err != nil {
		return err
	}

	switch mut.Type {
	case models.MutationCreate:
		_, err = svc.Create(m.ctx, models.Record{ID: mut.EntityID, Data: mut.Payload})
	case models.MutationUpdate:
		_, err = svc.Update(m.ctx, models.Record{ID: mut.EntityID, Data: mut.Payload})
	case models.MutationDelete:
		err = svc.Delete(m.ctx, mut.EntityID)
	default:
		err = apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown mutation type %q", mut.Type))
	}
	return err
}

// finalize closes out a drain pass and publishes the resulting state.
func (m *Manager) finalize(drainErrs []string, halted bool) {
	pendingCount := m.queue.PendingCount()
	stalledCount := m.queue.StalledCount()

	m.mu.Lock()
	m.syncInProgress = false
	m.state.CurrentlySyncing = ""
	m.state.PendingCount = pendingCount
	m.state.StalledCount = stalledCount

	switch {
	case halted:
		// The pass paused before finishing. Remaining entries resume on the
		// next online event; when the monitor still reports online (the pause
		// came from a request-level failure the probe has not seen) the retry
		// timer re-drains without waiting for a flap.
		m.state.Status = StatusIdle
		m.scheduleRetryLocked()
	case len(drainErrs) > 0:
		m.state.Status = StatusError
		m.state.Errors = drainErrs
		m.recordCompletedLocked()
		m.scheduleRetryLocked()
	default:
		m.state.Status = StatusSuccess
		m.recordCompletedLocked()
	}

	m.publishLocked()
	m.mu.Unlock()
	m.flushNotifications()

	if stalledCount > 0 {
		logging.Warn("Mutations awaiting manual resolution", map[string]interface{}{
			"stalled_count": stalledCount,
		})
	}
}

func (m *Manager) recordCompletedLocked() {
	now := time.Now()
	m.state.LastSyncTime = now
	m.cache.SetLastSyncTime(now)
}

func (m *Manager) setCurrentlySyncing(entityID string) {
	m.mu.Lock()
	m.state.CurrentlySyncing = entityID
	m.publishLocked()
	m.mu.Unlock()
	m.flushNotifications()
}

func (m *Manager) scheduleRetryLocked() {
	if m.destroyed || !m.state.Online {
		return
	}
	m.cancelRetryLocked()
	m.retryTimer = time.AfterFunc(m.retryDelay, func() {
		m.ForceSync()
	})
}

func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// publishLocked appends the current state and listener set to the delivery
// queue. The caller flushes after releasing the lock.
func (m *Manager) publishLocked() {
	fns := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.notifyQueue = append(m.notifyQueue, notification{fns: fns, snap: m.state.clone()})
}

// flushNotifications delivers queued snapshots in publish order. Exactly one
// goroutine drains at a time, so listeners never see transitions interleaved
// or reordered; publishers that find a flush in progress just leave their
// entry on the queue. Delivery happens outside the lock, so listeners may
// call back into the manager.
func (m *Manager) flushNotifications() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true
	for len(m.notifyQueue) > 0 {
		next := m.notifyQueue[0]
		m.notifyQueue = m.notifyQueue[1:]
		m.mu.Unlock()
		for _, fn := range next.fns {
			fn(next.snap)
		}
		m.mu.Lock()
	}
	m.notifying = false
	m.mu.Unlock()
}
