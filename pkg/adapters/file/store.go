package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/pkg/domain"
)

// Store implements ports.SnapshotStore using the local filesystem.
// It stores runs as JSON files in a configured directory. The version check is
// serialized inside the process; concurrent processes sharing a directory are not supported.
type Store struct {
	BasePath string
	mu       sync.Mutex
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".lattice/runs".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".lattice", "runs")
	}
	return &Store{BasePath: basePath}
}

func checkName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid %s %q", kind, name)
	}
	return nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.BasePath, runID+".json")
}

// Save persists the run if the stored version still equals expectedVersion.
func (s *Store) Save(ctx context.Context, run *domain.WorkflowRun, expectedVersion int64) error {
	if err := checkName("runID", run.ID); err != nil {
		return err
	}
	if run.Version != expectedVersion+1 {
		return fmt.Errorf("run %s: snapshot version %d does not follow %d", run.ID, run.Version, expectedVersion)
	}

	data, err := codec.MarshalIndent(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var actual int64
	current, err := s.read(run.ID)
	switch {
	case err == nil:
		actual = current.Version
	case err != domain.ErrRunNotFound:
		return err
	}
	if actual != expectedVersion {
		return &domain.VersionConflictError{RunID: run.ID, Expected: expectedVersion, Actual: actual}
	}
	return writeAtomic(s.BasePath, s.path(run.ID), data)
}

// writeAtomic writes to a temp file in the same directory, fsyncs it, and renames it over dest.
func writeAtomic(dir, dest string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to ensure directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "tmp-*-"+filepath.Base(dest))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	// Windows cannot rename an open file.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *Store) read(runID string) (*domain.WorkflowRun, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var run domain.WorkflowRun
	if err := codec.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return &run, nil
}

// Get retrieves the run from its JSON file.
func (s *Store) Get(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	if err := checkName("runID", runID); err != nil {
		return nil, err
	}
	return s.read(runID)
}

// Delete removes the run file.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if err := checkName("runID", runID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete run file: %w", err)
	}
	return nil
}

// List returns all stored run IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var runs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		runs = append(runs, strings.TrimSuffix(name, ".json"))
	}
	return runs, nil
}
