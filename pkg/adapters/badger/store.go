package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/pkg/domain"
	backend "github.com/dgraph-io/badger/v3"
)

// Store implements ports.SnapshotStore on badger.
type Store struct {
	db *backend.DB
}

// NewStore creates a snapshot store on db.
func NewStore(db *backend.DB) *Store {
	return &Store{db: db}
}

func readRun(txn *backend.Txn, runID string) (*domain.WorkflowRun, error) {
	item, err := txn.Get(runKey(runID))
	if errors.Is(err, backend.ErrKeyNotFound) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	var run domain.WorkflowRun
	if err := item.Value(func(val []byte) error {
		return codec.Unmarshal(val, &run)
	}); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", runID, err)
	}
	return &run, nil
}

// Get loads the snapshot of a run.
func (s *Store) Get(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	var run *domain.WorkflowRun
	err := s.db.View(func(txn *backend.Txn) error {
		var err error
		run, err = readRun(txn, runID)
		return err
	})
	return run, err
}

func (s *Store) version(runID string) int64 {
	var v int64
	_ = s.db.View(func(txn *backend.Txn) error {
		if run, err := readRun(txn, runID); err == nil {
			v = run.Version
		}
		return nil
	})
	return v
}

// Save writes run if the stored version still equals expectedVersion.
func (s *Store) Save(ctx context.Context, run *domain.WorkflowRun, expectedVersion int64) error {
	if run.Version != expectedVersion+1 {
		return fmt.Errorf("run %s: snapshot version %d does not follow %d", run.ID, run.Version, expectedVersion)
	}
	data, err := codec.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", run.ID, err)
	}

	err = s.db.Update(func(txn *backend.Txn) error {
		var actual int64
		current, err := readRun(txn, run.ID)
		switch {
		case err == nil:
			actual = current.Version
		case !errors.Is(err, domain.ErrRunNotFound):
			return err
		}
		if actual != expectedVersion {
			return &domain.VersionConflictError{RunID: run.ID, Expected: expectedVersion, Actual: actual}
		}
		return txn.Set(runKey(run.ID), data)
	})
	if errors.Is(err, backend.ErrConflict) {
		return &domain.VersionConflictError{RunID: run.ID, Expected: expectedVersion, Actual: s.version(run.ID)}
	}
	return err
}

// Delete removes a run snapshot.
func (s *Store) Delete(ctx context.Context, runID string) error {
	return s.db.Update(func(txn *backend.Txn) error {
		return txn.Delete(runKey(runID))
	})
}

// List returns the IDs of stored runs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *backend.Txn) error {
		opts := backend.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(runPrefix):]))
		}
		return nil
	})
	return ids, err
}
