// Package queue provides the durable FIFO log of unsent writes.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mhartley/tradebook/internal/db"
	apperrors "github.com/mhartley/tradebook/internal/errors"
	"github.com/mhartley/tradebook/internal/logging"
	"github.com/mhartley/tradebook/internal/models"
)

// Queue is a single ordered log shared across all entity collections.
// The autoincrement seq column guarantees a global replay order matching
// the order operations were issued, which matters when a record is created
// and then immediately updated while offline.
type Queue struct {
	db *db.DB
}

// New creates a Queue over an initialized database.
func New(database *db.DB) *Queue {
	return &Queue{db: database}
}

// Enqueue appends a mutation to the log. It touches only local storage and
// never blocks on the network.
func (q *Queue) Enqueue(typ models.MutationType, store models.StoreName, entityID string, payload json.RawMessage) (*models.PendingMutation, error) {
	if !store.Valid() {
		return nil, apperrors.New(apperrors.ErrUnknownStore, fmt.Sprintf("unknown store %q", store))
	}

	mut := &models.PendingMutation{
		ID:        uuid.New().String(),
		Type:      typ,
		Store:     store,
		EntityID:  entityID,
		Payload:   payload,
		CreatedAt: time.Now().Unix(),
	}

	res, err := q.db.Exec(
		`INSERT INTO pending_mutations (id, type, store, entity_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		mut.ID, string(mut.Type), string(mut.Store), mut.EntityID, string(mut.Payload), mut.CreatedAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueIO, "failed to enqueue mutation", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		mut.Seq = seq
	}

	logging.Info("Mutation enqueued", map[string]interface{}{
		"mutation_id": mut.ID,
		"type":        string(mut.Type),
		"store":       string(mut.Store),
		"entity_id":   mut.EntityID,
	})
	return mut, nil
}

// Pending returns every replayable mutation in enqueue order. Mutations at
// the retry cap are excluded; they are reachable via Stalled.
func (q *Queue) Pending() ([]models.PendingMutation, error) {
	return q.selectMutations(
		"WHERE retry_count < ? ORDER BY seq", models.MaxRetries)
}

// Stalled returns mutations that exhausted their replay attempts and need
// out-of-band resolution.
func (q *Queue) Stalled() ([]models.PendingMutation, error) {
	return q.selectMutations(
		"WHERE retry_count >= ? ORDER BY seq", models.MaxRetries)
}

func (q *Queue) selectMutations(clause string, args ...interface{}) ([]models.PendingMutation, error) {
	rows, err := q.db.Query(
		`SELECT seq, id, type, store, entity_id, payload, retry_count, last_error, created_at
		 FROM pending_mutations `+clause, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueIO, "failed to read mutation queue", err)
	}
	defer rows.Close()

	var muts []models.PendingMutation
	for rows.Next() {
		var m models.PendingMutation
		var typ, store, payload string
		if err := rows.Scan(&m.Seq, &m.ID, &typ, &store, &m.EntityID, &payload,
			&m.RetryCount, &m.LastError, &m.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueIO, "failed to scan mutation", err)
		}
		m.Type = models.MutationType(typ)
		m.Store = models.StoreName(store)
		m.Payload = []byte(payload)
		muts = append(muts, m)
	}
	return muts, rows.Err()
}

// Remove deletes a mutation after successful replay.
func (q *Queue) Remove(id string) error {
	res, err := q.db.Exec("DELETE FROM pending_mutations WHERE id = ?", id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueIO, "failed to remove mutation", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not found", id))
	}
	return nil
}

// RecordFailure increments the retry count and stores the error message.
// The mutation stays in the queue; the returned count lets callers detect
// when the cap has been reached.
func (q *Queue) RecordFailure(id string, replayErr error) (int, error) {
	msg := ""
	if replayErr != nil {
		msg = replayErr.Error()
	}
	_, err := q.db.Exec(
		"UPDATE pending_mutations SET retry_count = retry_count + 1, last_error = ? WHERE id = ?",
		msg, id)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueIO, "failed to record mutation failure", err)
	}

	var count int
	err = q.db.QueryRow("SELECT retry_count FROM pending_mutations WHERE id = ?", id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("mutation %s not found", id))
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueIO, "failed to read retry count", err)
	}

	if count >= models.MaxRetries {
		logging.Error("Mutation stalled at retry cap", replayErr, map[string]interface{}{
			"mutation_id": id,
			"retry_count": count,
		})
	}
	return count, nil
}

// PendingCount is a cheap count of every unresolved mutation, stalled ones
// included, for UI badges and sync bookkeeping.
func (q *Queue) PendingCount() int {
	var count int
	if err := q.db.QueryRow("SELECT COUNT(*) FROM pending_mutations").Scan(&count); err != nil {
		logging.Warn("Failed to count pending mutations", map[string]interface{}{"error": err.Error()})
		return 0
	}
	return count
}

// StalledCount counts mutations at the retry cap.
func (q *Queue) StalledCount() int {
	var count int
	err := q.db.QueryRow(
		"SELECT COUNT(*) FROM pending_mutations WHERE retry_count >= ?", models.MaxRetries).Scan(&count)
	if err != nil {
		logging.Warn("Failed to count stalled mutations", map[string]interface{}{"error": err.Error()})
		return 0
	}
	return count
}
