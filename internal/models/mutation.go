package models

import (
	"encoding/json"
	"time"
)

// MutationType is the kind of write a queued mutation replays.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// MaxRetries is the replay attempt cap. A mutation that fails this many
// times stays in the queue for manual resolution; it is never dropped.
const MaxRetries = 3

// PendingMutation is a durable record of a write that has not yet been
// confirmed by the backend. Seq is assigned by the queue and fixes the
// global replay order across all collections.
type PendingMutation struct {
	ID         string          `db:"id" json:"id"`
	Seq        int64           `db:"seq" json:"seq"`
	Type       MutationType    `db:"type" json:"type"`
	Store      StoreName       `db:"store" json:"store"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"` // full record for create/update, empty for delete
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingMutation.
func (PendingMutation) TableName() string {
	return "pending_mutations"
}

// Stalled reports whether the mutation has exhausted its replay attempts.
func (m *PendingMutation) Stalled() bool {
	return m.RetryCount >= MaxRetries
}

// Time returns the CreatedAt field as time.Time.
func (m *PendingMutation) Time() time.Time {
	return time.Unix(m.CreatedAt, 0)
}
