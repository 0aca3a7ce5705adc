package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

const defaultPrefix = "lattice:"

// Option configures the redis adapters.
type Option func(*options)

type options struct {
	prefix string
	ttl    time.Duration
}

// WithPrefix sets the key prefix (default "lattice:").
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithTTL makes snapshots expire ttl after their last save. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

func newOptions(opts []Option) options {
	o := options{prefix: defaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store implements ports.SnapshotStore on Redis. Each run is one JSON string key;
// a sorted set indexes run IDs, scored by expiry when a TTL is configured.
type Store struct {
	client *backend.Client
	opts   options
}

// New connects to addr and returns a Store.
func New(addr, password string, db int, opts ...Option) *Store {
	client := backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewFromClient(client, opts...)
}

// NewFromClient creates a Store on an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	return &Store{client: client, opts: newOptions(opts)}
}

// Client exposes the underlying client so the ledger and locker can share it.
func (s *Store) Client() *backend.Client {
	return s.client
}

func (s *Store) key(runID string) string {
	return s.opts.prefix + "run:" + runID
}

func (s *Store) indexKey() string {
	return s.opts.prefix + "index"
}

// Get loads the snapshot of a run.
func (s *Store) Get(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	data, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", runID, err)
	}
	var run domain.WorkflowRun
	if err := codec.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", runID, err)
	}
	return &run, nil
}

// Save writes run if the stored version still equals expectedVersion. The check and
// the write happen inside a WATCH transaction, so a concurrent writer aborts it.
func (s *Store) Save(ctx context.Context, run *domain.WorkflowRun, expectedVersion int64) error {
	if run.Version != expectedVersion+1 {
		return fmt.Errorf("run %s: snapshot version %d does not follow %d", run.ID, run.Version, expectedVersion)
	}
	data, err := codec.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", run.ID, err)
	}

	key := s.key(run.ID)
	var actual int64
	txf := func(tx *backend.Tx) error {
		var err error
		actual, err = storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if actual != expectedVersion {
			return &domain.VersionConflictError{RunID: run.ID, Expected: expectedVersion, Actual: actual}
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, s.opts.ttl)
			score := float64(0)
			if s.opts.ttl > 0 {
				score = float64(time.Now().Add(s.opts.ttl).Unix())
			}
			pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: score, Member: run.ID})
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	if errors.Is(err, backend.TxFailedErr) {
		// Someone wrote between WATCH and EXEC; report what they left behind.
		current, gerr := storedVersion(ctx, s.client, key)
		if gerr != nil {
			current = -1
		}
		return &domain.VersionConflictError{RunID: run.ID, Expected: expectedVersion, Actual: current}
	}
	return err
}

// storedVersion decodes only the version field of a stored snapshot.
func storedVersion(ctx context.Context, c backend.Cmdable, key string) (int64, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, backend.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	var header struct {
		Version int64 `json:"version"`
	}
	if err := codec.Unmarshal(data, &header); err != nil {
		return 0, fmt.Errorf("decode snapshot header %s: %w", key, err)
	}
	return header.Version, nil
}

// Delete removes a run snapshot and its index entry.
func (s *Store) Delete(ctx context.Context, runID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Del(ctx, s.key(runID))
		pipe.ZRem(ctx, s.indexKey(), runID)
		return nil
	})
	return err
}

// List returns the IDs of stored runs. Expired entries are pruned from the index lazily.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if s.opts.ttl > 0 {
		now := strconv.FormatInt(time.Now().Unix(), 10)
		if err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "1", "("+now).Err(); err != nil {
			return nil, fmt.Errorf("prune run index: %w", err)
		}
	}
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return ids, nil
}
