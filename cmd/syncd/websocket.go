package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mhartley/tradebook/internal/logging"
	"github.com/mhartley/tradebook/internal/syncer"
)

// allowedStatusHosts lists the Host headers the local UI shell may connect
// with, derived from the configured listen address. Loopback and wildcard
// binds accept both localhost spellings on the same port.
func allowedStatusHosts(listenAddr string) map[string]bool {
	hosts := map[string]bool{listenAddr: true}
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return hosts
	}
	switch host {
	case "", "0.0.0.0", "::", "localhost", "127.0.0.1":
		hosts["localhost:"+port] = true
		hosts["127.0.0.1:"+port] = true
	}
	return hosts
}

// Event types pushed to UI clients (offline indicator, pending badge).
const (
	EventSyncState     = "sync.state"
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
	EventSyncStalled   = "sync.stalled"
)

// StatusEnvelope wraps every message pushed to clients.
type StatusEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// StatusClient is one connected UI shell.
type StatusClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *StatusHub
}

// StatusHub fans sync state out to connected clients. It subscribes to the
// sync manager once and re-broadcasts every transition, so UI surfaces
// render without polling the Go core.
type StatusHub struct {
	clients    map[string]*StatusClient
	broadcast  chan []byte
	register   chan *StatusClient
	unregister chan *StatusClient
	upgrader   websocket.Upgrader
	mu         sync.RWMutex

	lastStatus syncer.Status
}

// NewStatusHub creates the hub and starts its fan-out loop. Connections are
// only accepted from the host the daemon itself listens on.
func NewStatusHub(listenAddr string) *StatusHub {
	allowed := allowedStatusHosts(listenAddr)
	hub := &StatusHub{
		clients:    make(map[string]*StatusClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *StatusClient),
		unregister: make(chan *StatusClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return allowed[r.Host]
			},
		},
	}
	go hub.run()
	return hub
}

func (h *StatusHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			logging.Debug("Status client connected", map[string]interface{}{"client": client.id})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			logging.Debug("Status client disconnected", map[string]interface{}{"client": client.id})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; drop it rather than block the hub
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes one envelope to every connected client.
func (h *StatusHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := StatusEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal status event", err, nil)
		return
	}
	h.broadcast <- payload
}

// OnSyncState is the syncer.Listener wired into the manager. Every snapshot
// becomes a sync.state event; drain transitions get their own events so a
// badge can animate without diffing snapshots.
func (h *StatusHub) OnSyncState(state syncer.State) {
	h.Broadcast(EventSyncState, map[string]interface{}{
		"online":        state.Online,
		"status":        string(state.Status),
		"pending_count": state.PendingCount,
		"stalled_count": state.StalledCount,
		"last_sync":     state.LastSyncTime.Unix(),
		"syncing":       state.CurrentlySyncing,
	})

	previous := h.swapStatus(state.Status)
	if previous == state.Status {
		return
	}
	switch state.Status {
	case syncer.StatusSyncing:
		h.Broadcast(EventSyncStarted, map[string]interface{}{
			"pending_count": state.PendingCount,
		})
	case syncer.StatusSuccess:
		h.Broadcast(EventSyncCompleted, map[string]interface{}{
			"pending_count": state.PendingCount,
		})
	case syncer.StatusError:
		h.Broadcast(EventSyncFailed, map[string]interface{}{
			"errors":        state.Errors,
			"pending_count": state.PendingCount,
		})
		if state.StalledCount > 0 {
			h.Broadcast(EventSyncStalled, map[string]interface{}{
				"stalled_count": state.StalledCount,
			})
		}
	}
}

func (h *StatusHub) swapStatus(status syncer.Status) syncer.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := h.lastStatus
	h.lastStatus = status
	return previous
}

// readPump drains client messages; the feed is one-way apart from pings.
func (c *StatusClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Status client read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
	}
}

// writePump pushes broadcasts and keepalive pings to the client.
func (c *StatusClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleStatusWS upgrades a connection and attaches it to the hub.
func HandleStatusWS(hub *StatusHub, manager *syncer.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &StatusClient{
			id:   r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 64),
			hub:  hub,
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()

		// Seed the new client with current state
		state := manager.State()
		payload, err := json.Marshal(StatusEnvelope{
			Type: EventSyncState,
			Data: map[string]interface{}{
				"online":        state.Online,
				"status":        string(state.Status),
				"pending_count": state.PendingCount,
				"stalled_count": state.StalledCount,
				"last_sync":     state.LastSyncTime.Unix(),
			},
			Timestamp: time.Now().Unix(),
		})
		if err == nil {
			client.send <- payload
		}
	}
}
