package redis

import (
	"context"
	"fmt"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// appendScript pushes ARGV[2] only if ARGV[1] is exactly LLEN+1.
// Returns {1, seq} on success and {0, last} on conflict.
var appendScript = backend.NewScript(`
local last = redis.call("LLEN", KEYS[1])
if tonumber(ARGV[1]) ~= last + 1 then
	return {0, last}
end
redis.call("RPUSH", KEYS[1], ARGV[2])
return {1, last + 1}
`)

// Ledger implements ports.EventLedger on Redis lists, one list per run. The list
// length is the last sequence number, and the append script makes the length check
// and the push a single atomic step.
type Ledger struct {
	client *backend.Client
	opts   options
}

// NewLedger creates a ledger on an existing client.
func NewLedger(client *backend.Client, opts ...Option) *Ledger {
	return &Ledger{client: client, opts: newOptions(opts)}
}

func (l *Ledger) key(runID string) string {
	return l.opts.prefix + "events:" + runID
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

	res, err := appendScript.Run(ctx, l.client, []string{l.key(event.RunID)}, event.Sequence, data).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("redis append %s/%d: %w", event.RunID, event.Sequence, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("redis append %s/%d: unexpected script reply %v", event.RunID, event.Sequence, res)
	}
	if res[0] == 0 {
		return 0, &domain.SequenceConflictError{RunID: event.RunID, Sequence: event.Sequence, Last: res[1]}
	}
	return res[1], nil
}

// LoadEvents returns every event of the run in sequence order.
func (l *Ledger) LoadEvents(ctx context.Context, runID string) ([]*domain.ExecutionEvent, error) {
	return l.LoadEventsFrom(ctx, runID, 1)
}

// LoadEventsFrom returns the events with Sequence >= from.
func (l *Ledger) LoadEventsFrom(ctx context.Context, runID string, from int64) ([]*domain.ExecutionEvent, error) {
	if from < 1 {
		from = 1
	}
	raw, err := l.client.LRange(ctx, l.key(runID), from-1, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load events %s: %w", runID, err)
	}

	events := make([]*domain.ExecutionEvent, 0, len(raw))
	for i, item := range raw {
		var ev domain.ExecutionEvent
		if err := codec.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode event %s/%d: %w", runID, from+int64(i), err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

// LastSequence returns the number of events stored for the run.
func (l *Ledger) LastSequence(ctx context.Context, runID string) (int64, error) {
	n, err := l.client.LLen(ctx, l.key(runID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis last sequence %s: %w", runID, err)
	}
	return n, nil
}
