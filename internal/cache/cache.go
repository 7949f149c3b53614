// Package cache provides the durable entity cache: the last-known snapshot
// of every collection, read when the backend is unreachable.
package cache

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/mhartley/tradebook/internal/db"
	"github.com/mhartley/tradebook/internal/logging"
	"github.com/mhartley/tradebook/internal/models"
)

const lastSyncKey = "last_sync_time"

// Cache is a per-collection snapshot store. It is a best-effort convenience
// layer, not the system of record: every failure is logged and swallowed so
// callers degrade to "no data" instead of crashing.
type Cache struct {
	db *db.DB
}

// New creates a Cache over an initialized database.
func New(database *db.DB) *Cache {
	return &Cache{db: database}
}

// GetAll returns every cached record for the store, in id order.
// It never fails; an empty slice means nothing is cached yet.
func (c *Cache) GetAll(store models.StoreName) []models.Record {
	rows, err := c.db.Query(
		"SELECT id, data, updated_at FROM cached_entities WHERE store = ? ORDER BY id",
		string(store))
	if err != nil {
		logging.Warn("Cache read failed, treating as empty",
			map[string]interface{}{"store": string(store), "error": err.Error()})
		return nil
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var rec models.Record
		var data string
		if err := rows.Scan(&rec.ID, &data, &rec.UpdatedAt); err != nil {
			logging.Warn("Cache row scan failed, skipping",
				map[string]interface{}{"store": string(store), "error": err.Error()})
			continue
		}
		rec.Data = []byte(data)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		logging.Warn("Cache read aborted",
			map[string]interface{}{"store": string(store), "error": err.Error()})
	}
	return records
}

// Sync replaces the cached contents of store wholesale with records.
// Entries absent from the new snapshot are dropped. Failures are logged
// and swallowed; the previous snapshot stays in place on rollback.
func (c *Cache) Sync(store models.StoreName, records []models.Record) {
	tx, err := c.db.Begin()
	if err != nil {
		logging.Warn("Cache sync failed to start",
			map[string]interface{}{"store": string(store), "error": err.Error()})
		return
	}

	if err := c.replaceAll(tx, store, records); err != nil {
		tx.Rollback()
		logging.Warn("Cache sync failed, keeping previous snapshot",
			map[string]interface{}{"store": string(store), "error": err.Error()})
		return
	}

	if err := tx.Commit(); err != nil {
		logging.Warn("Cache sync commit failed",
			map[string]interface{}{"store": string(store), "error": err.Error()})
		return
	}

	logging.Debug("Cache snapshot replaced",
		map[string]interface{}{"store": string(store), "count": len(records)})
}

func (c *Cache) replaceAll(tx *sql.Tx, store models.StoreName, records []models.Record) error {
	if _, err := tx.Exec("DELETE FROM cached_entities WHERE store = ?", string(store)); err != nil {
		return err
	}
	for _, rec := range records {
		updatedAt := rec.UpdatedAt
		if updatedAt == 0 {
			updatedAt = time.Now().Unix()
		}
		_, err := tx.Exec(
			"INSERT INTO cached_entities (store, id, data, updated_at) VALUES (?, ?, ?, ?)",
			string(store), rec.ID, string(rec.Data), updatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// LastSyncTime returns the persisted time of the last completed drain, or
// the zero time if no drain has completed yet.
func (c *Cache) LastSyncTime() time.Time {
	var value string
	err := c.db.QueryRow("SELECT value FROM sync_meta WHERE key = ?", lastSyncKey).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			logging.Warn("Failed to read last sync time", map[string]interface{}{"error": err.Error()})
		}
		return time.Time{}
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		logging.Warn("Corrupt last sync time, ignoring", map[string]interface{}{"value": value})
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// SetLastSyncTime persists ts so it survives restarts.
func (c *Cache) SetLastSyncTime(ts time.Time) {
	_, err := c.db.Exec(
		"INSERT INTO sync_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		lastSyncKey, strconv.FormatInt(ts.Unix(), 10))
	if err != nil {
		logging.Warn("Failed to persist last sync time", map[string]interface{}{"error": err.Error()})
	}
}
