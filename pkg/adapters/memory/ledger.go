package memory

import (
	"context"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
)

// Ledger implements ports.EventLedger in memory.
// The mutex plays the role of the (run, sequence) uniqueness constraint.
type Ledger struct {
	mu     sync.RWMutex
	events map[string][]*domain.ExecutionEvent
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		events: make(map[string][]*domain.ExecutionEvent),
	}
}

// Append stores the event if its sequence immediately follows the last one of the run.
func (l *Ledger) Append(ctx context.Context, event *domain.ExecutionEvent) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	last := int64(len(l.events[event.RunID]))
	if event.Sequence != last+1 {
		return 0, &domain.SequenceConflictError{RunID: event.RunID, Sequence: event.Sequence, Last: last}
	}

	stored := *event
	l.events[event.RunID] = append(l.events[event.RunID], &stored)
	return stored.Sequence, nil
}

// LoadEvents returns every event of the run in sequence order.
func (l *Ledger) LoadEvents(ctx context.Context, runID string) ([]*domain.ExecutionEvent, error) {
	return l.LoadEventsFrom(ctx, runID, 1)
}

// LoadEventsFrom returns the events with Sequence >= from.
func (l *Ledger) LoadEventsFrom(ctx context.Context, runID string, from int64) ([]*domain.ExecutionEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.events[runID]
	if from < 1 {
		from = 1
	}
	if from > int64(len(all)) {
		return []*domain.ExecutionEvent{}, nil
	}

	out := make([]*domain.ExecutionEvent, 0, int64(len(all))-from+1)
	for _, ev := range all[from-1:] {
		copied := *ev
		out = append(out, &copied)
	}
	return out, nil
}

// LastSequence returns the number of events stored for the run.
func (l *Ledger) LastSequence(ctx context.Context, runID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.events[runID])), nil
}
