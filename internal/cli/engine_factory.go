package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/pkg/adapters/badger"
	"github.com/aretw0/lattice/pkg/adapters/file"
	httpAdapter "github.com/aretw0/lattice/pkg/adapters/http"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/adapters/process"
	"github.com/aretw0/lattice/pkg/adapters/redis"
	"github.com/aretw0/lattice/pkg/metrics"
	"github.com/aretw0/lattice/pkg/persistence/middleware"
	"github.com/aretw0/lattice/pkg/ports"
)

// Runtime is an engine wired to the backends named by the configuration.
type Runtime struct {
	Engine    *lattice.Engine
	Metrics   *metrics.Collector
	Streams   *httpAdapter.StreamManager
	Processes *process.Runner

	closers []func() error
}

// Close releases the storage backends.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

type backends struct {
	ledger    ports.EventLedger
	snapshots ports.SnapshotStore
	locker    ports.DistributedLocker
}

// NewRuntime initializes a Lattice engine with standard CLI conventions.
func NewRuntime(cfg *config.Config, logger *slog.Logger, debug bool) (*Runtime, error) {
	rt := &Runtime{
		Metrics: metrics.New(nil),
		Streams: httpAdapter.NewStreamManager(logger.With("component", "sse")),
	}

	b, err := rt.openStore(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if b.snapshots, err = sealSnapshots(cfg, b.snapshots); err != nil {
		rt.Close()
		return nil, err
	}

	procs, err := process.LoadProcesses(cfg.ProcessesFile)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to load processes: %w", err)
	}
	rt.Processes = process.NewRunner(
		process.WithRegistry(procs),
		process.WithInlineExecution(cfg.Engine.InlineExec),
		process.WithBaseDir(filepath.Dir(cfg.ProcessesFile)),
		process.WithGracePeriod(cfg.Engine.GracePeriod),
		process.WithLogger(logger.With("component", "process")),
	)

	opts := []lattice.Option{
		lattice.WithLogger(logger),
		lattice.WithLedger(b.ledger),
		lattice.WithSnapshotStore(b.snapshots),
		lattice.WithDefinitionRepository(file.NewDefinitions(cfg.DefinitionsDir)),
		lattice.WithParallelism(cfg.Engine.Parallelism),
		lattice.WithMaxAttempts(cfg.Engine.MaxAttempts),
		lattice.WithLifecycleHooks(rt.Metrics.Hooks()),
		lattice.WithLifecycleHooks(rt.Streams.Hooks()),
	}
	if b.locker != nil {
		opts = append(opts, lattice.WithDistributedLocker(b.locker), lattice.WithLockTTL(cfg.Store.Redis.LockTTL))
	}
	if debug {
		opts = append(opts, lattice.WithLifecycleHooks(createDebugHooks(logger)))
	}
	rt.Engine = lattice.New(opts...)

	// Every allow-listed process is both the "process" node type and a
	// compensation handler under its own name.
	h := rt.Engine.Handlers()
	h.RegisterExecutor(process.NodeType, rt.Processes)
	for name := range procs {
		h.RegisterCompensation(name, rt.Processes)
	}

	logger.Debug("runtime ready", "backend", cfg.Store.Backend, "definitions", cfg.DefinitionsDir, "processes", len(procs))
	return rt, nil
}

// EncryptionKeyEnv names the variable read when the config carries no key.
const EncryptionKeyEnv = "LATTICE_ENCRYPTION_KEY"

// sealSnapshots wraps the snapshot store with encryption when a key is configured.
func sealSnapshots(cfg *config.Config, store ports.SnapshotStore) (ports.SnapshotStore, error) {
	encoded := cfg.Store.EncryptionKey
	if encoded == "" {
		encoded = os.Getenv(EncryptionKeyEnv)
	}
	if encoded == "" {
		return store, nil
	}

	active, err := middleware.DecodeKey(encoded)
	if err != nil {
		return nil, err
	}
	enc := middleware.EncryptionConfig{ActiveKey: active}
	for _, k := range cfg.Store.FallbackKeys {
		key, err := middleware.DecodeKey(k)
		if err != nil {
			return nil, fmt.Errorf("fallback key: %w", err)
		}
		enc.FallbackKeys = append(enc.FallbackKeys, key)
	}

	mw, err := middleware.NewEncryptionMiddleware(enc)
	if err != nil {
		return nil, err
	}
	return middleware.Chain(store, mw), nil
}

func (rt *Runtime) openStore(cfg *config.Config, logger *slog.Logger) (backends, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return backends{ledger: memory.NewLedger(), snapshots: memory.NewStore()}, nil

	case config.BackendBadger, config.BackendFile:
		db, err := badger.Open(filepath.Join(cfg.Store.Path, "ledger"), logger)
		if err != nil {
			return backends{}, fmt.Errorf("failed to open badger: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		b := backends{ledger: badger.NewLedger(db), snapshots: badger.NewStore(db)}
		if cfg.Store.Backend == config.BackendFile {
			// Human readable snapshots; the ledger stays in badger.
			b.snapshots = file.New(filepath.Join(cfg.Store.Path, "runs"))
		}
		return b, nil

	case config.BackendRedis:
		rc := cfg.Store.Redis
		redisOpts := []redis.Option{redis.WithPrefix(rc.Prefix)}
		if rc.TTL > 0 {
			redisOpts = append(redisOpts, redis.WithTTL(rc.TTL))
		}
		store := redis.New(rc.Addr, rc.Password, rc.DB, redisOpts...)
		rt.closers = append(rt.closers, store.Client().Close)
		return backends{
			ledger:    redis.NewLedger(store.Client(), redisOpts...),
			snapshots: store,
			locker:    redis.NewLocker(store.Client(), rc.Prefix+"lock:"),
		}, nil
	}
	return backends{}, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
