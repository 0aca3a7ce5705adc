package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// EventLedger is the append-only log of execution events for every run.
type EventLedger interface {
	// Append stores the event under (RunID, Sequence). The sequence must be exactly
	// LastSequence(RunID)+1; otherwise Append returns a *domain.SequenceConflictError and
	// the caller must retry with a fresh sequence. Concurrent appenders racing for the
	// same sequence see exactly one success.
	Append(ctx context.Context, event *domain.ExecutionEvent) (int64, error)

	// LoadEvents returns every event of the run ordered by sequence.
	// A run without events yields an empty slice, not an error.
	LoadEvents(ctx context.Context, runID string) ([]*domain.ExecutionEvent, error)

	// LoadEventsFrom returns the events with Sequence >= from, ordered by sequence.
	LoadEventsFrom(ctx context.Context, runID string, from int64) ([]*domain.ExecutionEvent, error)

	// LastSequence returns the highest sequence appended for the run, or 0.
	LastSequence(ctx context.Context, runID string) (int64, error)
}
