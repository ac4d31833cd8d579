package attempt

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ListFilter narrows Store.List. Zero fields match everything.
type ListFilter struct {
	SubjectID  string
	ItemPoolID string
	Status     Status
	Limit      int
}

func (f ListFilter) matches(a *Attempt) bool {
	if f.SubjectID != "" && a.SubjectID != f.SubjectID {
		return false
	}
	if f.ItemPoolID != "" && a.ItemPoolID != f.ItemPoolID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

// Store persists attempts with optimistic concurrency. Save succeeds only
// when the stored version equals expectedVersion, and then sets
// a.Version = expectedVersion + 1. A mismatch returns an error wrapping
// ErrConflict. Responses are append-only.
type Store interface {
	Create(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	Save(ctx context.Context, a *Attempt, expectedVersion int) error
	List(ctx context.Context, filter ListFilter) ([]*Attempt, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	attempts map[string]*Attempt
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory attempt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]*Attempt),
	}
}

func (s *MemoryStore) Create(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		return fmt.Errorf("attempt id is required")
	}
	if _, exists := s.attempts[a.ID]; exists {
		return conflictError(fmt.Sprintf("attempt %s already exists", a.ID))
	}
	a.Version = 1
	s.attempts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, a *Attempt, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.attempts[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	if current.Version != expectedVersion {
		return conflictError(fmt.Sprintf("attempt %s: stored version %d, expected %d", a.ID, current.Version, expectedVersion))
	}
	if !CanTransition(current.Status, a.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, current.Status, a.Status)
	}
	if len(a.Responses) < len(current.Responses) {
		return fmt.Errorf("%w: responses are append-only", ErrInvalidState)
	}
	a.Version = expectedVersion + 1
	s.attempts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Attempt
	for _, a := range s.attempts {
		if filter.matches(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
