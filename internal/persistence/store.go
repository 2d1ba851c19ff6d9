package persistence

import (
	"context"

	"github.com/petrijr/debtflow/pkg/api"
)

// Sentinel errors are shared with the api package so callers can match them
// without importing internal packages.
var (
	// ErrEntityNotFound is returned by Get when no entity has the id.
	ErrEntityNotFound = api.ErrEntityNotFound

	// ErrVersionConflict is returned by Upsert when the stored version does
	// not match the version carried by the entity.
	ErrVersionConflict = api.ErrVersionConflict
)

// EntityStore persists workflow entities keyed by numeric id.
//
// All implementations use optimistic concurrency: Upsert succeeds only when
// e.Version equals the stored version (0 for an entity that does not exist
// yet), and the stored version is then incremented. Implementations must be
// safe for concurrent use.
type EntityStore interface {
	// Create stores a new entity with all stage fields unset and returns it
	// with its store-assigned id.
	Create(ctx context.Context) (*api.Entity, error)

	// Get returns the entity with the given id or ErrEntityNotFound.
	Get(ctx context.Context, id int64) (*api.Entity, error)

	// Upsert creates or replaces the entity with e.ID and returns the stored
	// copy carrying its new version.
	Upsert(ctx context.Context, e *api.Entity) (*api.Entity, error)

	// List returns all entities ordered by id.
	List(ctx context.Context) ([]*api.Entity, error)
}
