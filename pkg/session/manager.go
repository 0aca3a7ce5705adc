package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/ports"
)

// DefaultLockTTL bounds how long a distributed run lock survives a crashed holder.
const DefaultLockTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager serializes work on the same run. A local mutex per run covers goroutines of
// one process; an optional DistributedLocker covers replicas. Neither replaces the
// ledger's sequence check, they only cut down on conflict retries.
// It uses Reference Counting to garbage collect unused locks.
type Manager struct {
	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker ports.DistributedLocker // Optional distributed locker
	ttl    time.Duration
	logger *slog.Logger // Logger for internal events (like deferred errors)
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithTTL sets the distributed lock TTL (default DefaultLockTTL).
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new run lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultLockTTL,
		logger: logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(runID) after unlocking.
func (m *Manager) acquire(runID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[runID]
	if !exists {
		entry = &lockEntry{}
		m.locks[runID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[runID]
	if !exists {
		return // Should not happen if paired correctly
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, runID)
	}
}

// Active reports how many runs currently have a local lock entry.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// WithLock executes a function while holding the lock for the run.
func (m *Manager) WithLock(ctx context.Context, runID string, fn func(context.Context) error) error {
	entry := m.acquire(runID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(runID)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Distributed Locking
	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, "run:"+runID, m.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			// The caller's context may be done by now; release regardless.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"run_id", runID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
