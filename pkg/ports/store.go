package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// SnapshotStore persists the materialized state of runs with optimistic versioning.
type SnapshotStore interface {
	// Get retrieves the snapshot of a run.
	// Returns domain.ErrRunNotFound if the run does not exist.
	Get(ctx context.Context, runID string) (*domain.WorkflowRun, error)

	// Save writes the snapshot conditioned on expectedVersion, the version the caller read
	// (0 to create). run.Version must be expectedVersion+1. A stored version different
	// from expectedVersion yields a *domain.VersionConflictError.
	Save(ctx context.Context, run *domain.WorkflowRun, expectedVersion int64) error

	// Delete removes the snapshot. The ledger remains the source of truth.
	Delete(ctx context.Context, runID string) error

	// List returns the IDs of all stored runs.
	List(ctx context.Context) ([]string, error)
}
