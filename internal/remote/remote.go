// Package remote defines the backend service the sync core replays against.
// The core treats the backend as opaque: per-collection CRUD, nothing more.
package remote

import (
	"context"
	"fmt"

	apperrors "github.com/mhartley/tradebook/internal/errors"
	"github.com/mhartley/tradebook/internal/models"
)

// Service is the per-collection CRUD surface of the hosted backend. Both the
// orchestrator's direct calls and the sync manager's replays go through it,
// so a write replayed later hits exactly the code path it would have hit
// online.
type Service interface {
	// GetAll fetches the full collection.
	GetAll(ctx context.Context) ([]models.Record, error)

	// Create stores a new record and returns it with any server-assigned
	// fields (notably the id, when the client supplied a temporary one).
	Create(ctx context.Context, rec models.Record) (models.Record, error)

	// Update overwrites an existing record.
	Update(ctx context.Context, rec models.Record) (models.Record, error)

	// Delete removes a record by id.
	Delete(ctx context.Context, id string) error
}

// Registry resolves a collection name to its backend service. Building it up
// front, with every store registered at construction, replaces stringly
// dispatch inside the replay loop: an unregistered store is a wiring error
// caught at startup, not a runtime branch.
type Registry struct {
	services map[models.StoreName]Service
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[models.StoreName]Service)}
}

// Register binds a service to a store name.
func (r *Registry) Register(store models.StoreName, svc Service) error {
	if !store.Valid() {
		return apperrors.New(apperrors.ErrUnknownStore, fmt.Sprintf("unknown store %q", store))
	}
	if _, ok := r.services[store]; ok {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("store %q already registered", store))
	}
	r.services[store] = svc
	return nil
}

// Service returns the service bound to store.
func (r *Registry) Service(store models.StoreName) (Service, error) {
	svc, ok := r.services[store]
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnknownStore, fmt.Sprintf("no service registered for store %q", store))
	}
	return svc, nil
}

// Stores returns every registered store name, in the canonical order.
func (r *Registry) Stores() []models.StoreName {
	var stores []models.StoreName
	for _, s := range models.AllStores() {
		if _, ok := r.services[s]; ok {
			stores = append(stores, s)
		}
	}
	return stores
}

// Complete reports whether every known collection has a service.
func (r *Registry) Complete() bool {
	return len(r.services) == len(models.AllStores())
}
