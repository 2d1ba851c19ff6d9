package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/petrijr/debtflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe EntityStore backed by a map.
// It stores copies, so callers never share entity pointers with the store.
type InMemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	entities map[int64]*api.Entity
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entities: make(map[int64]*api.Entity),
	}
}

// Ensure InMemoryStore implements EntityStore.
var _ EntityStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) Create(ctx context.Context) (*api.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	for s.entities[s.nextID] != nil {
		s.nextID++
	}
	e := &api.Entity{ID: s.nextID, Version: 1}
	s.entities[e.ID] = e
	return e.Clone(), nil
}

func (s *InMemoryStore) Get(ctx context.Context, id int64) (*api.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return e.Clone(), nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, e *api.Entity) (*api.Entity, error) {
	if e == nil || e.ID <= 0 {
		return nil, errors.New("persistence: upsert requires a positive entity id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.entities[e.ID]; ok {
		current = existing.Version
	}
	if e.Version != current {
		return nil, ErrVersionConflict
	}

	stored := e.Clone()
	stored.Version = current + 1
	s.entities[e.ID] = stored
	return stored.Clone(), nil
}

func (s *InMemoryStore) List(ctx context.Context) ([]*api.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
