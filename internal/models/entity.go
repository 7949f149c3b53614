// Package models provides data model definitions for the Tradebook sync core.
package models

import (
	"encoding/json"
	"time"
)

// StoreName identifies an entity collection synchronized with the backend.
type StoreName string

const (
	StoreCustomers StoreName = "customers"
	StoreQuotes    StoreName = "quotes"
	StoreJobPacks  StoreName = "job_packs"
	StoreSchedule  StoreName = "schedule"
	StoreExpenses  StoreName = "expenses"
)

// AllStores returns every synchronized collection, in a stable order.
func AllStores() []StoreName {
	return []StoreName{
		StoreCustomers,
		StoreQuotes,
		StoreJobPacks,
		StoreSchedule,
		StoreExpenses,
	}
}

// Valid reports whether s names a known collection.
func (s StoreName) Valid() bool {
	switch s {
	case StoreCustomers, StoreQuotes, StoreJobPacks, StoreSchedule, StoreExpenses:
		return true
	}
	return false
}

// Record is a single entity snapshot within a collection. The sync core does
// not interpret the payload; domain shape belongs to the application layer.
type Record struct {
	ID        string          `db:"id" json:"id"`
	Data      json.RawMessage `db:"data" json:"data"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// Updated returns the UpdatedAt field as time.Time.
func (r *Record) Updated() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}
