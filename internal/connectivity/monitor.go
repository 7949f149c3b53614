// Package connectivity provides the online/offline signal that drives the
// sync manager's state machine. Outside a browser there are no platform
// events, so the production monitor is a polled health probe; embedding
// shells that do receive platform events can feed a ManualMonitor instead.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/mhartley/tradebook/internal/logging"
)

// Monitor exposes the current connectivity state and change notifications.
type Monitor interface {
	// Online reports the current connectivity state.
	Online() bool

	// Subscribe registers fn to be called on every online/offline
	// transition. The returned function unsubscribes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type subscribers struct {
	mu   sync.Mutex
	subs map[int]func(online bool)
	next int
}

func (s *subscribers) add(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(online bool))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *subscribers) notify(online bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// ProbeMonitor polls a health endpoint and publishes transitions.
type ProbeMonitor struct {
	endpoint string
	interval time.Duration
	client   *http.Client

	mu     sync.RWMutex
	online bool

	subs   subscribers
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProbeMonitor creates a monitor polling endpoint every interval.
// The monitor starts pessimistic (offline) until the first probe succeeds.
func NewProbeMonitor(endpoint string, interval time.Duration, client *http.Client) *ProbeMonitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ProbeMonitor{
		endpoint: endpoint,
		interval: interval,
		client:   client,
	}
}

// Start begins probing until ctx is cancelled or Stop is called.
func (m *ProbeMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.probe(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the probe goroutine to exit.
func (m *ProbeMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Online implements Monitor.
func (m *ProbeMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe implements Monitor.
func (m *ProbeMonitor) Subscribe(fn func(online bool)) func() {
	return m.subs.add(fn)
}

func (m *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.endpoint, nil)
	if err != nil {
		m.transition(false)
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.transition(false)
		return
	}
	resp.Body.Close()

	// Any response at all means the network path is up; a 5xx backend is
	// still reachable and drains will surface its errors per mutation.
	m.transition(true)
}

func (m *ProbeMonitor) transition(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		logging.Info("Connectivity changed", map[string]interface{}{"online": online})
		m.subs.notify(online)
	}
}

// ManualMonitor is a Monitor driven by explicit SetOnline calls. It backs
// tests and embedding shells that receive platform connectivity events.
type ManualMonitor struct {
	mu     sync.RWMutex
	online bool
	subs   subscribers
}

// NewManualMonitor creates a ManualMonitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online}
}

// Online implements Monitor.
func (m *ManualMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe implements Monitor.
func (m *ManualMonitor) Subscribe(fn func(online bool)) func() {
	return m.subs.add(fn)
}

// SetOnline changes the connectivity state, notifying subscribers on change.
func (m *ManualMonitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.subs.notify(online)
	}
}
