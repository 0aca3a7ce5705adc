package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/pkg/domain"
	backend "github.com/dgraph-io/badger/v3"
)

// Ledger implements ports.EventLedger on badger. Each append reads the run's last
// sequence and writes the event plus the new last sequence in one transaction;
// badger's conflict detection aborts the loser of two racing appends.
type Ledger struct {
	db *backend.DB
}

// NewLedger creates a ledger on db.
func NewLedger(db *backend.DB) *Ledger {
	return &Ledger{db: db}
}

func readLast(txn *backend.Txn, runID string) (int64, error) {
	item, err := txn.Get(lastKey(runID))
	if errors.Is(err, backend.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt last sequence for run %s", runID)
		}
		last = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return last, err
}

// Append stores the event if its sequence immediately follows the last one of the run.
func (l *Ledger) Append(ctx context.Context, event *domain.ExecutionEvent) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	data, err := codec.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	err = l.db.Update(func(txn *backend.Txn) error {
		last, err := readLast(txn, event.RunID)
		if err != nil {
			return err
		}
		if event.Sequence != last+1 {
			return &domain.SequenceConflictError{RunID: event.RunID, Sequence: event.Sequence, Last: last}
		}
		if err := txn.Set(eventKey(event.RunID, event.Sequence), data); err != nil {
			return err
		}
		return txn.Set(lastKey(event.RunID), binary.BigEndian.AppendUint64(nil, uint64(event.Sequence)))
	})
	if errors.Is(err, backend.ErrConflict) {
		last, _ := l.LastSequence(ctx, event.RunID)
		return 0, &domain.SequenceConflictError{RunID: event.RunID, Sequence: event.Sequence, Last: last}
	}
	if err != nil {
		return 0, fmt.Errorf("badger append %s/%d: %w", event.RunID, event.Sequence, err)
	}
	return event.Sequence, nil
}

// LoadEvents returns every event of the run in sequence order.
func (l *Ledger) LoadEvents(ctx context.Context, runID string) ([]*domain.ExecutionEvent, error) {
	return l.LoadEventsFrom(ctx, runID, 1)
}

// LoadEventsFrom returns the events with Sequence >= from. Big-endian sequence keys
// make badger's key order the sequence order.
func (l *Ledger) LoadEventsFrom(ctx context.Context, runID string, from int64) ([]*domain.ExecutionEvent, error) {
	if from < 1 {
		from = 1
	}
	events := []*domain.ExecutionEvent{}
	err := l.db.View(func(txn *backend.Txn) error {
		opts := backend.DefaultIteratorOptions
		opts.Prefix = eventKeyPrefix(runID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(eventKey(runID, from)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev domain.ExecutionEvent
			if err := it.Item().Value(func(val []byte) error {
				return codec.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("decode event %s: %w", it.Item().Key(), err)
			}
			events = append(events, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger load events %s: %w", runID, err)
	}
	return events, nil
}

// LastSequence returns the number of events stored for the run.
func (l *Ledger) LastSequence(ctx context.Context, runID string) (int64, error) {
	var last int64
	err := l.db.View(func(txn *backend.Txn) error {
		var err error
		last, err = readLast(txn, runID)
		return err
	})
	return last, err
}
