package lattice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/runtime"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/registry"
	"github.com/aretw0/lattice/pkg/session"
)

// Re-exported runtime types so callers never import internal packages.
type (
	StartRequest     = runtime.StartRequest
	ExecutionPlan    = runtime.ExecutionPlan
	CustomStrategy   = runtime.CustomStrategy
	CompensationPlan = runtime.CompensationPlan
)

// Error codes the engine records in ErrorInfo.
const (
	CodeNodeFailed         = runtime.CodeNodeFailed
	CodeNodeTimeout        = runtime.CodeNodeTimeout
	CodeNodeInterrupted    = runtime.CodeNodeInterrupted
	CodeExecutorNotFound   = runtime.CodeExecutorNotFound
	CodeStuckWorkflow      = runtime.CodeStuckWorkflow
	CodeCompensationFailed = runtime.CodeCompensationFailed
)

// Engine is the high-level entry point for the Lattice library.
// It wires the runtime to a ledger, a snapshot store, the definition registry
// and the handler registry, defaulting every backend to memory.
type Engine struct {
	runtime     *runtime.Engine
	ledger      ports.EventLedger
	snapshots   ports.SnapshotStore
	repo        ports.DefinitionRepository
	definitions *registry.Registry
	handlers    *registry.Handlers
	locker      ports.DistributedLocker
	lockTTL     time.Duration
	sessions    *session.Manager
	runtimeOpts []runtime.EngineOption
	hooks       domain.LifecycleHooks
	logger      *slog.Logger
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLedger sets the event ledger (default: in-memory).
func WithLedger(l ports.EventLedger) Option {
	return func(e *Engine) {
		e.ledger = l
	}
}

// WithSnapshotStore sets the snapshot store (default: in-memory).
func WithSnapshotStore(s ports.SnapshotStore) Option {
	return func(e *Engine) {
		e.snapshots = s
	}
}

// WithDefinitionRepository sets the durable store behind the definition registry.
func WithDefinitionRepository(r ports.DefinitionRepository) Option {
	return func(e *Engine) {
		e.repo = r
	}
}

// WithHandlers injects a pre-populated handler registry.
func WithHandlers(h *registry.Handlers) Option {
	return func(e *Engine) {
		e.handlers = h
	}
}

// WithDistributedLocker serializes Drive per run across replicas.
func WithDistributedLocker(l ports.DistributedLocker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithLockTTL sets how long a distributed run lock lives without renewal.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.lockTTL = ttl
	}
}

// WithLifecycleHooks registers observability hooks. Repeated calls are merged.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = e.hooks.Merge(hooks)
	}
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMaxAttempts sets the default attempt budget of nodes without a retry policy.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.runtimeOpts = append(e.runtimeOpts, runtime.WithMaxAttempts(n))
	}
}

// WithParallelism bounds the nodes Drive executes concurrently.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		e.runtimeOpts = append(e.runtimeOpts, runtime.WithParallelism(n))
	}
}

// WithFailOnStuck chooses whether Drive fails a deadlocked run (the default) or
// only reports it through the error and the OnStuck hook.
func WithFailOnStuck(fail bool) Option {
	return func(e *Engine) {
		e.runtimeOpts = append(e.runtimeOpts, runtime.WithStuckPolicy(fail))
	}
}

// WithCustomCompensation supplies the strategy used by definitions that select CUSTOM.
func WithCustomCompensation(s CustomStrategy) Option {
	return func(e *Engine) {
		e.runtimeOpts = append(e.runtimeOpts, runtime.WithCustomCompensation(s))
	}
}

// WithRuntimeOptions passes low-level options (clock, ID generator, conflict retries) to the runtime.
func WithRuntimeOptions(opts ...runtime.EngineOption) Option {
	return func(e *Engine) {
		e.runtimeOpts = append(e.runtimeOpts, opts...)
	}
}

// New initializes a new Lattice Engine.
func New(opts ...Option) *Engine {
	eng := &Engine{}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.logger == nil {
		eng.logger = logging.NewNop()
	}
	if eng.ledger == nil {
		eng.ledger = memory.NewLedger()
	}
	if eng.snapshots == nil {
		eng.snapshots = memory.NewStore()
	}
	if eng.repo == nil {
		eng.repo = memory.NewDefinitions()
	}
	if eng.handlers == nil {
		eng.handlers = registry.NewHandlers()
	}

	eng.definitions = registry.New(eng.repo, registry.WithLogger(eng.logger.With("component", "registry")))

	runtimeOpts := []runtime.EngineOption{
		runtime.WithLifecycleHooks(eng.hooks),
		runtime.WithLogger(eng.logger),
	}
	if eng.locker != nil {
		sessionOpts := []session.Option{
			session.WithLocker(eng.locker),
			session.WithLogger(eng.logger.With("component", "session")),
		}
		if eng.lockTTL > 0 {
			sessionOpts = append(sessionOpts, session.WithTTL(eng.lockTTL))
		}
		eng.sessions = session.NewManager(sessionOpts...)
		runtimeOpts = append(runtimeOpts, runtime.WithRunLocker(eng.sessions))
	}
	runtimeOpts = append(runtimeOpts, eng.runtimeOpts...)

	eng.runtime = runtime.NewEngine(eng.ledger, eng.snapshots, eng.definitions, eng.handlers, runtimeOpts...)
	return eng
}

// Handlers returns the registry of node executors and compensation handlers.
func (e *Engine) Handlers() *registry.Handlers {
	return e.handlers
}

// Definitions returns the definition registry.
func (e *Engine) Definitions() *registry.Registry {
	return e.definitions
}

// RegisterDefinition validates and publishes a definition for the tenant.
func (e *Engine) RegisterDefinition(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	return e.definitions.Register(ctx, tenantID, def)
}

// Definition returns the published definition of the tenant.
func (e *Engine) Definition(ctx context.Context, tenantID, id string) (*domain.WorkflowDefinition, error) {
	return e.definitions.Get(ctx, tenantID, id)
}

// ListDefinitions lists the tenant's definitions ordered by ID.
func (e *Engine) ListDefinitions(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.WorkflowDefinition, error) {
	return e.definitions.List(ctx, tenantID, activeOnly)
}

// Start creates a run and records WorkflowStarted. It does not execute any node.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*domain.WorkflowRun, error) {
	return e.runtime.StartRun(ctx, req)
}

// Run starts a run and drives it until it completes, fails or suspends.
func (e *Engine) Run(ctx context.Context, req StartRequest) (*domain.WorkflowRun, error) {
	run, err := e.runtime.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.runtime.Drive(ctx, run.ID)
}

// Drive executes ready nodes until the run reaches a resting state.
func (e *Engine) Drive(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return e.runtime.Drive(ctx, runID)
}

// Advance schedules every ready node and completes the run when nothing is left.
func (e *Engine) Advance(ctx context.Context, runID string) (*domain.WorkflowRun, ExecutionPlan, error) {
	return e.runtime.Advance(ctx, runID)
}

// Plan computes the next execution plan without recording anything.
func (e *Engine) Plan(ctx context.Context, runID string) (*domain.WorkflowRun, ExecutionPlan, error) {
	return e.runtime.Plan(ctx, runID)
}

// ExecuteNode runs one scheduled node and records its outcome.
func (e *Engine) ExecuteNode(ctx context.Context, runID, nodeID string) (*domain.WorkflowRun, error) {
	return e.runtime.ExecuteNode(ctx, runID, nodeID)
}

// Suspend parks a running run until Signal or Resume.
func (e *Engine) Suspend(ctx context.Context, runID, reason string) (*domain.WorkflowRun, error) {
	return e.runtime.Suspend(ctx, runID, reason)
}

// Resume resumes a suspended run, completing the node it waits on with payload.
func (e *Engine) Resume(ctx context.Context, runID, signal string, payload map[string]any) (*domain.WorkflowRun, error) {
	return e.runtime.Resume(ctx, runID, signal, payload)
}

// Signal delivers an external signal; a suspended run is resumed by it.
func (e *Engine) Signal(ctx context.Context, runID, name string, data map[string]any) (*domain.WorkflowRun, error) {
	return e.runtime.Signal(ctx, runID, name, data)
}

// Cancel stops scheduling for the run and compensates it when the policy says so.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*domain.WorkflowRun, error) {
	return e.runtime.Cancel(ctx, runID, reason)
}

// Fail marks the run failed and compensates it when the policy says so.
func (e *Engine) Fail(ctx context.Context, runID string, errInfo domain.ErrorInfo) (*domain.WorkflowRun, error) {
	return e.runtime.Fail(ctx, runID, errInfo)
}

// Compensate unwinds a failed or cancelled run.
func (e *Engine) Compensate(ctx context.Context, runID string) (*domain.WorkflowRun, domain.CompensationResult, error) {
	return e.runtime.Compensate(ctx, runID)
}

// Snapshot returns the current state of a run.
func (e *Engine) Snapshot(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return e.runtime.GetSnapshot(ctx, runID)
}

// History returns the full event history of a run.
func (e *Engine) History(ctx context.Context, runID string) ([]*domain.ExecutionEvent, error) {
	return e.runtime.GetExecutionHistory(ctx, runID)
}

// Verify checks that the stored snapshot equals a replay of the ledger.
func (e *Engine) Verify(ctx context.Context, runID string) error {
	return e.runtime.Verify(ctx, runID)
}

// Runs lists the IDs of runs known to the snapshot store.
func (e *Engine) Runs(ctx context.Context) ([]string, error) {
	return e.snapshots.List(ctx)
}

// Diff returns what changed in the run since fromVersion. A zero fromVersion diffs
// against nothing and so describes the whole run. A nil diff means no change.
func (e *Engine) Diff(ctx context.Context, runID string, fromVersion int64) (*domain.RunDiff, error) {
	events, err := e.runtime.GetExecutionHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if fromVersion < 0 || fromVersion > int64(len(events)) {
		return nil, fmt.Errorf("run %s has no version %d", runID, fromVersion)
	}

	var old *domain.WorkflowRun
	if fromVersion > 0 {
		if old, err = runtime.Replay(events[:fromVersion]); err != nil {
			return nil, err
		}
	}
	current, err := runtime.Replay(events)
	if err != nil {
		return nil, err
	}
	return domain.Diff(old, current), nil
}
