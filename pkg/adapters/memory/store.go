package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
)

// Store implements ports.SnapshotStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]*domain.WorkflowRun
	mu   sync.RWMutex
}

// NewStore creates a new in-memory snapshot store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]*domain.WorkflowRun),
	}
}

// Save stores a deep copy of the run if the stored version still equals expectedVersion.
func (s *Store) Save(ctx context.Context, run *domain.WorkflowRun, expectedVersion int64) error {
	if run.Version != expectedVersion+1 {
		return fmt.Errorf("run %s: snapshot version %d does not follow %d", run.ID, run.Version, expectedVersion)
	}

	// Deep copy to ensure isolation, similar to serialization
	copied := run.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	var actual int64
	if current, ok := s.data[run.ID]; ok {
		actual = current.Version
	}
	if actual != expectedVersion {
		return &domain.VersionConflictError{RunID: run.ID, Expected: expectedVersion, Actual: actual}
	}
	s.data[run.ID] = copied
	return nil
}

// Get retrieves a copy of the run so callers can't mutate store state by pointer.
func (s *Store) Get(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.data[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return run.Clone(), nil
}

// Delete removes the snapshot.
func (s *Store) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, runID)
	return nil
}

// List returns stored run IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]string, 0, len(s.data))
	for id := range s.data {
		runs = append(runs, id)
	}
	return runs, nil
}
