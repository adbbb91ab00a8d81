package history

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/trenfi/position-engine/internal/model"
)

// MemoryStore implements Store in memory. Used for testing and simulation
// mode. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	records []model.ChangeRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func clone(r model.ChangeRecord) model.ChangeRecord {
	r.Fields = slices.Clone(r.Fields)
	r.Values = maps.Clone(r.Values)
	return r
}

func (s *MemoryStore) Append(_ context.Context, r model.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.ID == r.ID {
			return fmt.Errorf("record %s already exists", r.ID)
		}
	}
	s.records = append(s.records, clone(r))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (model.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.ID == id {
			return clone(r), nil
		}
	}
	return model.ChangeRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *MemoryStore) List(_ context.Context, q model.ChangeQuery) ([]model.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out []model.ChangeRecord
	for _, r := range s.records {
		if q.Matches(r) {
			out = append(out, clone(r))
		}
	}
	slices.SortStableFunc(out, func(a, b model.ChangeRecord) int {
		if c := cmp.Compare(b.BlockTag, a.BlockTag); c != 0 {
			return c
		}
		return b.RecordedAt.Compare(a.RecordedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
