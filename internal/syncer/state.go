package syncer

import "time"

// Status is the sync manager's state machine position.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusSuccess Status = "success"
)

// State is the snapshot published to subscribers on every change. It lives
// in process memory; only LastSyncTime is persisted (via the cache store).
type State struct {
	Online           bool      `json:"online"`
	Status           Status    `json:"status"`
	PendingCount     int       `json:"pending_count"`
	StalledCount     int       `json:"stalled_count"`
	LastSyncTime     time.Time `json:"last_sync_time"`
	CurrentlySyncing string    `json:"currently_syncing,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
}

// Listener receives state snapshots. It is invoked immediately on subscribe
// and again after every transition. Snapshots are delivered one at a time in
// the order the transitions were published, never concurrently; a listener
// may call back into the Manager.
type Listener func(State)

func (s State) clone() State {
	out := s
	if s.Errors != nil {
		out.Errors = append([]string(nil), s.Errors...)
	}
	return out
}
