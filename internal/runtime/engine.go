package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Error codes recorded in ErrorInfo by the engine itself.
const (
	CodeNodeFailed         = "NODE_FAILED"
	CodeNodeTimeout        = "NODE_TIMEOUT"
	CodeNodeInterrupted    = "NODE_INTERRUPTED"
	CodeExecutorNotFound   = "EXECUTOR_NOT_FOUND"
	CodeStuckWorkflow      = "STUCK_WORKFLOW"
	CodeCompensationFailed = "COMPENSATION_FAILED"
)

// DefinitionSource supplies the definition a run executes.
type DefinitionSource interface {
	Get(ctx context.Context, tenantID, id string) (*domain.WorkflowDefinition, error)
}

// HandlerResolver resolves node executors by node type and compensation handlers by name.
type HandlerResolver interface {
	CompensationResolver
	ResolveExecutor(nodeType string) (ports.NodeExecutor, bool)
}

// RunLocker serializes Drive calls for the same run across goroutines or replicas.
type RunLocker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// StartRequest describes a new run.
type StartRequest struct {
	// RunID is optional; a UUID is generated when empty.
	RunID        string
	TenantID     string
	DefinitionID string
	Input        map[string]any
}

// Engine drives runs through the ledger, the snapshot store and the planner.
// Every state change goes through commit, so the engine itself holds no run state
// and any number of engines may work on the same stores.
type Engine struct {
	ledger      ports.EventLedger
	snapshots   ports.SnapshotStore
	definitions DefinitionSource
	handlers    HandlerResolver
	coordinator *Coordinator

	locker          RunLocker
	hooks           domain.LifecycleHooks
	logger          *slog.Logger
	custom          CustomStrategy
	maxAttempts     int
	conflictRetries int
	parallelism     int
	reportOnlyStuck bool
	now             func() time.Time
	newID           func() string
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) EngineOption {
	return func(e *Engine) {
		e.hooks = e.hooks.Merge(hooks)
	}
}

// WithMaxAttempts sets the attempt limit for nodes without a retry policy (default 1).
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithConflictRetries bounds how often a commit re-reads after losing a race (default 32).
func WithConflictRetries(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.conflictRetries = n
		}
	}
}

// WithParallelism bounds how many nodes of one run Drive executes at once (default 4).
func WithParallelism(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithStuckPolicy chooses what Drive does with a deadlocked run. By default it fails
// the run, which also compensates it. With failRun false Drive only reports the
// *domain.StuckWorkflowError and leaves the run RUNNING for an operator.
func WithStuckPolicy(failRun bool) EngineOption {
	return func(e *Engine) {
		e.reportOnlyStuck = !failRun
	}
}

// WithRunLocker serializes Drive per run on top of optimistic concurrency.
func WithRunLocker(l RunLocker) EngineOption {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithCustomCompensation provides the logic for the CUSTOM compensation strategy.
func WithCustomCompensation(s CustomStrategy) EngineOption {
	return func(e *Engine) {
		e.custom = s
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides run and event ID generation (tests).
func WithIDGenerator(newID func() string) EngineOption {
	return func(e *Engine) {
		e.newID = newID
	}
}

// NewEngine creates a new engine with dependencies.
func NewEngine(ledger ports.EventLedger, snapshots ports.SnapshotStore, definitions DefinitionSource, handlers HandlerResolver, opts ...EngineOption) *Engine {
	e := &Engine{
		ledger:          ledger,
		snapshots:       snapshots,
		definitions:     definitions,
		handlers:        handlers,
		logger:          logging.NewNop(),
		maxAttempts:     1,
		conflictRetries: 32,
		parallelism:     4,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	coordOpts := []CoordinatorOption{WithCoordinatorLogger(e.logger)}
	if e.custom != nil {
		coordOpts = append(coordOpts, WithCustomStrategy(e.custom))
	}
	e.coordinator = NewCoordinator(handlers, coordOpts...)
	return e
}

// StartRun appends WorkflowStarted for a new run and materializes its first snapshot.
func (e *Engine) StartRun(ctx context.Context, req StartRequest) (*domain.WorkflowRun, error) {
	def, err := e.definitions.Get(ctx, req.TenantID, req.DefinitionID)
	if err != nil {
		return nil, err
	}

	if err := validateInput(def, req.Input); err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = e.newID()
	}

	ev := domain.NewWorkflowStarted(runID, def, req.TenantID, req.Input)
	e.stamp(ev, 1)
	run, err := Apply(nil, ev)
	if err != nil {
		return nil, err
	}

	if _, err := e.ledger.Append(ctx, ev); err != nil {
		if errors.Is(err, domain.ErrSequenceConflict) {
			return nil, fmt.Errorf("run %s already exists: %w", runID, err)
		}
		return nil, fmt.Errorf("append %s: %w", ev.Kind, err)
	}
	e.emitAppended(ctx, ev)

	if err := e.snapshots.Save(ctx, run, 0); err != nil {
		// The event is durable; the next refresh rebuilds the snapshot.
		e.logger.WarnContext(ctx, "initial snapshot not saved", "run_id", runID, "err", err)
		if errors.Is(err, domain.ErrVersionConflict) {
			return e.refresh(ctx, runID)
		}
	}

	e.logger.InfoContext(ctx, "run started", "run_id", runID, "tenant_id", req.TenantID, "definition_id", def.ID, "definition_version", def.Version)
	return run, nil
}

// GetSnapshot returns the current state of a run, folding any ledger events the
// snapshot store has not seen yet.
func (e *Engine) GetSnapshot(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	return e.refresh(ctx, runID)
}

// GetExecutionHistory returns the full ordered ledger of a run.
func (e *Engine) GetExecutionHistory(ctx context.Context, runID string) ([]*domain.ExecutionEvent, error) {
	events, err := e.ledger.LoadEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", runID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrRunNotFound)
	}
	return events, nil
}

// Verify replays the full ledger and checks it against the stored snapshot.
func (e *Engine) Verify(ctx context.Context, runID string) error {
	snapshot, err := e.refresh(ctx, runID)
	if err != nil {
		return err
	}
	events, err := e.GetExecutionHistory(ctx, runID)
	if err != nil {
		return err
	}
	replayed, err := Replay(events)
	if err != nil {
		return err
	}
	equal, err := codec.Equal(snapshot, replayed)
	if err != nil {
		return err
	}
	if !equal {
		return fmt.Errorf("run %s: snapshot at version %d diverges from ledger replay at version %d", runID, snapshot.Version, replayed.Version)
	}
	return nil
}

// Plan computes the execution plan of a run without changing it.
func (e *Engine) Plan(ctx context.Context, runID string) (*domain.WorkflowRun, ExecutionPlan, error) {
	run, err := e.refresh(ctx, runID)
	if err != nil {
		return nil, ExecutionPlan{}, err
	}
	def, err := e.definitionFor(ctx, run)
	if err != nil {
		return run, ExecutionPlan{}, err
	}
	return run, PlanNextExecution(run, def), nil
}

// Advance schedules every ready node and completes the run when all nodes are done.
// It does not execute anything. A deadlocked run yields a *domain.StuckWorkflowError.
func (e *Engine) Advance(ctx context.Context, runID string) (*domain.WorkflowRun, ExecutionPlan, error) {
	run, err := e.refresh(ctx, runID)
	if err != nil {
		return nil, ExecutionPlan{}, err
	}
	def, err := e.definitionFor(ctx, run)
	if err != nil {
		return run, ExecutionPlan{}, err
	}

	for {
		next, ev, err := e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
			if run.Status != domain.RunRunning {
				return nil, nil
			}
			plan := PlanNextExecution(run, def)
			if plan.IsComplete {
				return domain.NewWorkflowCompleted(run.ID, plan.Outputs), nil
			}
			if len(plan.ReadyNodes) == 0 {
				return nil, nil
			}
			nodeID := plan.ReadyNodes[0]
			attempt := 1
			if exec, ok := run.Nodes[nodeID]; ok {
				attempt = exec.Attempt + 1
			}
			return domain.NewNodeScheduled(run.ID, nodeID, attempt), nil
		})
		if err != nil {
			return run, ExecutionPlan{}, err
		}
		run = next
		if ev == nil {
			break
		}

		switch ev.Kind {
		case domain.EventNodeScheduled:
			e.logger.DebugContext(ctx, "node scheduled", "run_id", runID, "node_id", ev.NodeScheduled.NodeID, "attempt", ev.NodeScheduled.Attempt)
		case domain.EventWorkflowCompleted:
			e.logger.InfoContext(ctx, "run completed", "run_id", runID, "version", run.Version)
		}
	}

	plan := PlanNextExecution(run, def)
	if plan.Deadlocked() {
		stuck := &domain.StuckWorkflowError{RunID: runID, Blocked: blockedNodes(run, def)}
		e.logger.WarnContext(ctx, "run is stuck", "run_id", runID, "blocked", stuck.Blocked)
		if e.hooks.OnStuck != nil {
			e.hooks.OnStuck(ctx, run, stuck)
		}
		return run, plan, stuck
	}
	return run, plan, nil
}

// Drive advances and executes a run until it completes, fails, suspends or only
// has work in flight elsewhere. A stuck run is failed (and compensated) unless
// WithStuckPolicy(false) is set.
func (e *Engine) Drive(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	if e.locker == nil {
		return e.drive(ctx, runID)
	}
	var run *domain.WorkflowRun
	err := e.locker.WithLock(ctx, runID, func(ctx context.Context) error {
		var err error
		run, err = e.drive(ctx, runID)
		return err
	})
	return run, err
}

func (e *Engine) drive(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	var compErr error
	for {
		run, plan, err := e.Advance(ctx, runID)
		if err != nil {
			var stuck *domain.StuckWorkflowError
			if !errors.As(err, &stuck) || e.reportOnlyStuck {
				return run, err
			}
			failed, ferr := e.Fail(ctx, runID, domain.ErrorInfo{Code: CodeStuckWorkflow, Message: stuck.Error()})
			if ferr != nil && !errors.Is(ferr, domain.ErrCompensationFailed) {
				return run, errors.Join(err, ferr)
			}
			return failed, errors.Join(err, ferr)
		}
		if run.Status != domain.RunRunning {
			return run, compErr
		}

		var pending []string
		for _, id := range plan.InFlight {
			if run.NodeStatusOf(id) == domain.NodePending {
				pending = append(pending, id)
			}
		}
		if len(pending) == 0 {
			return run, compErr
		}

		results := make([]error, len(pending))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.parallelism)
		for i, id := range pending {
			g.Go(func() error {
				_, err := e.ExecuteNode(gctx, runID, id)
				if errors.Is(err, domain.ErrCompensationFailed) {
					results[i] = err
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return run, err
		}
		for _, err := range results {
			if err != nil {
				compErr = err
			}
		}
	}
}

// ExecuteNode runs one scheduled node through its executor and records the outcome.
// Results for runs that became terminal in the meantime are dropped.
func (e *Engine) ExecuteNode(ctx context.Context, runID, nodeID string) (*domain.WorkflowRun, error) {
	run, ev, err := e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		if run.Status != domain.RunRunning {
			return nil, nil
		}
		exec, ok := run.Nodes[nodeID]
		if !ok {
			return nil, fmt.Errorf("%w: node %s of run %s was never scheduled", domain.ErrInvalidTransition, nodeID, run.ID)
		}
		if exec.Status != domain.NodePending {
			// Another worker claimed it first.
			return nil, nil
		}
		return domain.NewNodeStarted(run.ID, nodeID, exec.Attempt), nil
	})
	if err != nil {
		return run, err
	}
	if ev == nil {
		e.logger.DebugContext(ctx, "node not started", "run_id", runID, "node_id", nodeID, "run_status", run.Status, "node_status", run.NodeStatusOf(nodeID))
		return run, nil
	}

	def, err := e.definitionFor(ctx, run)
	if err != nil {
		return run, err
	}
	node, ok := def.Node(nodeID)
	if !ok {
		return run, fmt.Errorf("%w: node %s is not part of definition %s", domain.ErrInvalidTransition, nodeID, def.ID)
	}
	policy, err := decodeNodePolicy(node.Config)
	if err != nil {
		e.logger.WarnContext(ctx, "ignoring invalid node policy", "run_id", runID, "node_id", nodeID, "err", err)
	}
	maxAttempts := e.maxAttempts
	if policy.Retry.MaxAttempts > 0 {
		maxAttempts = policy.Retry.MaxAttempts
	}
	attempt := run.Nodes[nodeID].Attempt

	started := time.Now()
	result, execErr := e.execute(ctx, run, node, attempt, policy.Timeout)
	duration := time.Since(started)

	if ctx.Err() != nil {
		return e.recordInterrupted(ctx, runID, node, attempt, duration)
	}

	if execErr != nil {
		return e.recordFailure(ctx, runID, node, attempt, maxAttempts, duration, execErr)
	}

	if result.Suspend {
		run, ev, err = e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
			if run.IsTerminal() {
				return nil, nil
			}
			return domain.NewWorkflowSuspended(run.ID, result.SuspendReason, nodeID), nil
		})
		if err != nil {
			return run, err
		}
		if ev == nil {
			e.logger.InfoContext(ctx, "dropping suspension of in-flight node for terminal run", "run_id", runID, "node_id", nodeID, "status", run.Status)
			return run, nil
		}
		e.logger.InfoContext(ctx, "run suspended", "run_id", runID, "node_id", nodeID, "reason", result.SuspendReason)
		return run, nil
	}

	run, ev, err = e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		if run.IsTerminal() {
			return nil, nil
		}
		return domain.NewNodeCompleted(run.ID, nodeID, result.Output), nil
	})
	if err != nil {
		return run, err
	}
	if ev == nil {
		e.logger.InfoContext(ctx, "dropping result of in-flight node for terminal run", "run_id", runID, "node_id", nodeID, "status", run.Status)
		return run, nil
	}
	e.emitNodeFinished(ctx, run, node, attempt, domain.NodeCompleted, duration, nil)
	return run, nil
}

func (e *Engine) recordFailure(ctx context.Context, runID string, node domain.NodeDefinition, attempt, maxAttempts int, duration time.Duration, execErr error) (*domain.WorkflowRun, error) {
	willRetry := attempt < maxAttempts
	code := CodeNodeFailed
	switch {
	case errors.Is(execErr, context.DeadlineExceeded):
		code = CodeNodeTimeout
	case errors.Is(execErr, errExecutorNotFound):
		code = CodeExecutorNotFound
		willRetry = false
	}
	errInfo := domain.ErrorInfo{Code: code, Message: execErr.Error()}

	run, ev, err := e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		if run.IsTerminal() {
			return nil, nil
		}
		return domain.NewNodeFailed(run.ID, node.ID, attempt, errInfo, willRetry), nil
	})
	if err != nil {
		return run, err
	}
	if ev == nil {
		e.logger.InfoContext(ctx, "dropping failure of in-flight node for terminal run", "run_id", runID, "node_id", node.ID, "status", run.Status)
		return run, nil
	}

	status := domain.NodeRetrying
	if !willRetry {
		status = domain.NodeFailed
	}
	e.emitNodeFinished(ctx, run, node, attempt, status, duration, execErr)
	e.logger.WarnContext(ctx, "node failed", "run_id", runID, "node_id", node.ID, "attempt", attempt, "will_retry", willRetry, "err", execErr)

	if willRetry {
		return run, nil
	}
	return e.Fail(ctx, runID, domain.ErrorInfo{
		Code:    code,
		Message: fmt.Sprintf("node %s failed after %d attempt(s): %s", node.ID, attempt, execErr),
	})
}

// recordInterrupted hands a node whose caller went away back to the planner as
// RETRYING, so a later Drive picks it up again. The interrupted attempt keeps its
// number; the next one is scheduled as attempt+1.
func (e *Engine) recordInterrupted(ctx context.Context, runID string, node domain.NodeDefinition, attempt int, duration time.Duration) (*domain.WorkflowRun, error) {
	cause := ctx.Err()
	errInfo := domain.ErrorInfo{Code: CodeNodeInterrupted, Message: cause.Error()}

	rctx := context.WithoutCancel(ctx)
	run, ev, err := e.commit(rctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		if run.IsTerminal() || run.NodeStatusOf(node.ID) != domain.NodeRunning {
			return nil, nil
		}
		return domain.NewNodeFailed(run.ID, node.ID, attempt, errInfo, true), nil
	})
	if err != nil {
		return run, errors.Join(cause, err)
	}
	if ev != nil {
		e.emitNodeFinished(rctx, run, node, attempt, domain.NodeRetrying, duration, cause)
		e.logger.WarnContext(rctx, "node interrupted", "run_id", runID, "node_id", node.ID, "attempt", attempt, "err", cause)
	}
	return run, cause
}

var errExecutorNotFound = errors.New("no executor registered")

type execOutcome struct {
	result ports.NodeResult
	err    error
}

func (e *Engine) execute(ctx context.Context, run *domain.WorkflowRun, node domain.NodeDefinition, attempt int, timeout time.Duration) (ports.NodeResult, error) {
	var executor ports.NodeExecutor
	var ok bool
	if e.handlers != nil {
		executor, ok = e.handlers.ResolveExecutor(node.Type)
	}
	if !ok {
		return ports.NodeResult{}, &domain.NodeError{NodeID: node.ID, Attempt: attempt, Err: fmt.Errorf("%w for node type %q", errExecutorNotFound, node.Type)}
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	input := domain.CloneMap(run.Context)
	if input == nil {
		input = make(map[string]any)
	}
	input[domain.KeyIdempotency] = fmt.Sprintf("%s:%s:%d", run.ID, node.ID, attempt)

	req := ports.NodeRequest{
		RunID:    run.ID,
		TenantID: run.TenantID,
		NodeID:   node.ID,
		NodeType: node.Type,
		Attempt:  attempt,
		Config:   domain.CloneMap(node.Config),
		Context:  input,
	}

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		res, err := executor.Execute(execCtx, req)
		done <- execOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return ports.NodeResult{}, &domain.NodeError{NodeID: node.ID, Attempt: attempt, Err: out.err}
		}
		return out.result, nil
	case <-execCtx.Done():
		return ports.NodeResult{}, &domain.NodeError{NodeID: node.ID, Attempt: attempt, Err: execCtx.Err()}
	}
}

// Suspend parks a running run until Resume or Signal.
func (e *Engine) Suspend(ctx context.Context, runID, reason string) (*domain.WorkflowRun, error) {
	run, _, err := e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		if run.Status != domain.RunRunning {
			return nil, fmt.Errorf("%w: run %s is %s", domain.ErrInvalidTransition, run.ID, run.Status)
		}
		return domain.NewWorkflowSuspended(run.ID, reason, ""), nil
	})
	if err == nil {
		e.logger.InfoContext(ctx, "run suspended", "run_id", runID, "reason", reason)
	}
	return run, err
}

// Resume moves a suspended run back to RUNNING. When the run waits on a node, that
// node completes with payload as its output.
func (e *Engine) Resume(ctx context.Context, runID, signal string, payload map[string]any) (*domain.WorkflowRun, error) {
	run, _, err := e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		switch {
		case run.Status == domain.RunSuspended:
			return domain.NewWorkflowResumed(run.ID, signal, payload), nil
		case run.Status == domain.RunRunning && run.WaitingOnNode != "":
			// Resumed before, but the waiting node was never completed.
			return nil, nil
		}
		return nil, fmt.Errorf("%w: run %s is %s, not %s", domain.ErrInvalidTransition, run.ID, run.Status, domain.RunSuspended)
	})
	if err != nil {
		return run, err
	}

	waiting := run.WaitingOnNode
	if waiting != "" {
		var ev *domain.ExecutionEvent
		run, ev, err = e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
			if run.WaitingOnNode != waiting || run.NodeStatusOf(waiting) != domain.NodeRunning {
				return nil, nil
			}
			return domain.NewNodeCompleted(run.ID, waiting, payload), nil
		})
		if err != nil {
			return run, err
		}
		if ev != nil {
			if def, derr := e.definitionFor(ctx, run); derr == nil {
				node, _ := def.Node(waiting)
				e.emitNodeFinished(ctx, run, node, run.Nodes[waiting].Attempt, domain.NodeCompleted, 0, nil)
			}
		}
	}

	e.logger.InfoContext(ctx, "run resumed", "run_id", runID, "signal", signal, "node_id", waiting)
	return run, nil
}

// Signal resumes a suspended run, or records the signal as a generic audit event otherwise.
func (e *Engine) Signal(ctx context.Context, runID, name string, data map[string]any) (*domain.WorkflowRun, error) {
	run, err := e.refresh(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == domain.RunSuspended {
		return e.Resume(ctx, runID, name, data)
	}
	run, _, err = e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		return domain.NewGeneric(run.ID, "signal."+name, data), nil
	})
	return run, err
}

// Cancel terminates a run. In-flight nodes finish normally but their results are
// dropped. Completed nodes are compensated when the definition enables it.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*domain.WorkflowRun, error) {
	run, _, err := e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		if run.IsTerminal() {
			return nil, fmt.Errorf("%w: run %s is %s", domain.ErrTerminalRun, run.ID, run.Status)
		}
		return domain.NewWorkflowCancelled(run.ID, reason), nil
	})
	if err != nil {
		return run, err
	}
	e.logger.InfoContext(ctx, "run cancelled", "run_id", runID, "reason", reason)
	return e.compensateIfEnabled(ctx, run)
}

// Fail terminates a run with errInfo and compensates it when the definition enables it.
// A failed compensation is returned as a *domain.CompensationError.
func (e *Engine) Fail(ctx context.Context, runID string, errInfo domain.ErrorInfo) (*domain.WorkflowRun, error) {
	run, _, err := e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		if run.IsTerminal() {
			return nil, fmt.Errorf("%w: run %s is %s", domain.ErrTerminalRun, run.ID, run.Status)
		}
		return domain.NewWorkflowFailed(run.ID, errInfo), nil
	})
	if err != nil {
		return run, err
	}
	e.logger.WarnContext(ctx, "run failed", "run_id", runID, "code", errInfo.Code, "reason", errInfo.Message)
	return e.compensateIfEnabled(ctx, run)
}

func (e *Engine) compensateIfEnabled(ctx context.Context, run *domain.WorkflowRun) (*domain.WorkflowRun, error) {
	def, err := e.definitionFor(ctx, run)
	if err != nil {
		return run, err
	}
	if !def.CompensationEnabled() {
		return run, nil
	}
	compensated, result, err := e.Compensate(ctx, run.ID)
	if err != nil {
		return compensated, err
	}
	return compensated, result.Err(run.ID)
}

// Compensate runs the saga for a failed or cancelled run and records every step in
// the ledger. It picks up where an interrupted saga stopped and is a no-op once the
// saga finished. Step failures live in the result, not in the returned error.
func (e *Engine) Compensate(ctx context.Context, runID string) (*domain.WorkflowRun, domain.CompensationResult, error) {
	run, err := e.refresh(ctx, runID)
	if err != nil {
		return nil, domain.CompensationResult{}, err
	}
	switch run.Status {
	case domain.RunFailed, domain.RunCancelled, domain.RunCompensated, domain.RunCompensationFailed:
	default:
		return run, domain.CompensationResult{}, fmt.Errorf("%w: run %s is %s", domain.ErrInvalidTransition, run.ID, run.Status)
	}

	def, err := e.definitionFor(ctx, run)
	if err != nil {
		return run, domain.CompensationResult{}, err
	}
	if !def.CompensationEnabled() {
		return run, domain.CompensationResult{Success: true}, nil
	}
	if run.Compensation != nil && run.Compensation.Finished() {
		return run, resultFromState(run.Compensation), nil
	}

	if run.Compensation == nil {
		run, _, err = e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
			if run.Compensation != nil {
				return nil, nil
			}
			return domain.NewCompensationStarted(run.ID, def.Compensation.Strategy, CompensationOrder(run)), nil
		})
		if err != nil {
			return run, domain.CompensationResult{}, err
		}
		e.logger.InfoContext(ctx, "compensation started", "run_id", runID, "strategy", def.Compensation.Strategy, "pending", run.Compensation.Pending)
	}

	result := e.coordinator.CompensateNodes(ctx, run, def, slices.Clone(run.Compensation.Pending))

	failures := make(map[string]string, len(result.Failures))
	for _, f := range result.Failures {
		failures[f.NodeID] = f.Error
	}
	for _, id := range result.Order {
		var errInfo *domain.ErrorInfo
		if msg, failed := failures[id]; failed {
			errInfo = &domain.ErrorInfo{Code: CodeCompensationFailed, Message: msg}
		} else if !slices.Contains(result.Compensated, id) {
			continue
		}
		run, _, err = e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
			if run.Compensation == nil || run.Compensation.Finished() || !slices.Contains(run.Compensation.Pending, id) {
				return nil, nil
			}
			return domain.NewNodeCompensated(run.ID, id, errInfo), nil
		})
		if err != nil {
			return run, result, err
		}
	}

	run, _, err = e.commit(ctx, runID, func(run *domain.WorkflowRun) (*domain.ExecutionEvent, error) {
		if run.Compensation == nil || run.Compensation.Finished() {
			return nil, nil
		}
		return domain.NewCompensationFinished(run.ID, result.Success, result.Failed(), result.Skipped), nil
	})
	if err != nil {
		return run, result, err
	}

	if e.hooks.OnCompensationFinished != nil {
		e.hooks.OnCompensationFinished(ctx, run, result)
	}
	return run, result, nil
}

func resultFromState(state *domain.CompensationState) domain.CompensationResult {
	result := domain.CompensationResult{
		Success:     state.Success,
		Strategy:    state.Strategy,
		Compensated: slices.Clone(state.Compensated),
	}
	ids := make([]string, 0, len(state.Failed))
	for id := range state.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		result.Failures = append(result.Failures, domain.CompensationFailure{NodeID: id, Error: state.Failed[id]})
	}
	return result
}

// commit is the single write path. It reads the freshest snapshot, lets decide pick
// the next event, appends it at version+1 and folds it. A lost ledger race re-reads
// and decides again; a lost snapshot race only refreshes because the event is durable.
// decide returning nil means there is nothing to append.
func (e *Engine) commit(ctx context.Context, runID string, decide func(*domain.WorkflowRun) (*domain.ExecutionEvent, error)) (*domain.WorkflowRun, *domain.ExecutionEvent, error) {
	for attempt := 0; attempt < e.conflictRetries; attempt++ {
		run, err := e.refresh(ctx, runID)
		if err != nil {
			return nil, nil, err
		}

		ev, err := decide(run)
		if err != nil || ev == nil {
			return run, nil, err
		}
		e.stamp(ev, run.Version+1)

		// Fold before appending so the ledger never holds an event the fold rejects.
		next, err := Apply(run, ev)
		if err != nil {
			return run, nil, err
		}

		if _, err := e.ledger.Append(ctx, ev); err != nil {
			if errors.Is(err, domain.ErrSequenceConflict) {
				e.emitConflict(ctx, runID, err)
				continue
			}
			return run, nil, fmt.Errorf("append %s: %w", ev.Kind, err)
		}
		e.emitAppended(ctx, ev)

		if err := e.snapshots.Save(ctx, next, run.Version); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				e.emitConflict(ctx, runID, err)
				refreshed, rerr := e.refresh(ctx, runID)
				if rerr != nil {
					return nil, ev, rerr
				}
				next = refreshed
			} else {
				e.logger.WarnContext(ctx, "snapshot not saved, ledger is ahead", "run_id", runID, "version", next.Version, "err", err)
			}
		}

		if !run.IsTerminal() && next.IsTerminal() && e.hooks.OnRunFinished != nil {
			e.hooks.OnRunFinished(ctx, next)
		}
		return next, ev, nil
	}
	return nil, nil, fmt.Errorf("run %s: %w", runID, domain.ErrTooManyConflicts)
}

// refresh loads the snapshot and folds the ledger tail into it, saving after every
// event so the stored version advances by exactly one per update.
func (e *Engine) refresh(ctx context.Context, runID string) (*domain.WorkflowRun, error) {
	for attempt := 0; attempt < e.conflictRetries; attempt++ {
		run, err := e.snapshots.Get(ctx, runID)
		if err != nil {
			if !errors.Is(err, domain.ErrRunNotFound) {
				return nil, fmt.Errorf("load snapshot %s: %w", runID, err)
			}
			run = nil
		}

		from := int64(1)
		if run != nil {
			from = run.Version + 1
		}
		tail, err := e.ledger.LoadEventsFrom(ctx, runID, from)
		if err != nil {
			return nil, fmt.Errorf("load events %s: %w", runID, err)
		}
		if run == nil && len(tail) == 0 {
			return nil, fmt.Errorf("run %s: %w", runID, domain.ErrRunNotFound)
		}

		persist, conflicted := true, false
		for _, ev := range tail {
			next, err := Apply(run, ev)
			if err != nil {
				return nil, fmt.Errorf("fold run %s at sequence %d: %w", runID, ev.Sequence, err)
			}
			if persist {
				var expected int64
				if run != nil {
					expected = run.Version
				}
				if err := e.snapshots.Save(ctx, next, expected); err != nil {
					if errors.Is(err, domain.ErrVersionConflict) {
						e.emitConflict(ctx, runID, err)
						conflicted = true
						break
					}
					e.logger.WarnContext(ctx, "snapshot catch-up not saved", "run_id", runID, "version", next.Version, "err", err)
					persist = false
				}
			}
			run = next
		}
		if !conflicted {
			return run, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", runID, domain.ErrTooManyConflicts)
}

func (e *Engine) definitionFor(ctx context.Context, run *domain.WorkflowRun) (*domain.WorkflowDefinition, error) {
	def, err := e.definitions.Get(ctx, run.TenantID, run.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("definition of run %s: %w", run.ID, err)
	}
	if def.Version != run.DefinitionVersion {
		e.logger.DebugContext(ctx, "definition version changed since run start",
			"run_id", run.ID, "definition_id", def.ID, "run_version", run.DefinitionVersion, "current_version", def.Version)
	}
	return def, nil
}

func (e *Engine) stamp(ev *domain.ExecutionEvent, seq int64) {
	ev.ID = e.newID()
	ev.Sequence = seq
	ev.OccurredAt = e.now()
}

func (e *Engine) emitAppended(ctx context.Context, ev *domain.ExecutionEvent) {
	if e.hooks.OnEventAppended != nil {
		e.hooks.OnEventAppended(ctx, ev)
	}
}

func (e *Engine) emitConflict(ctx context.Context, runID string, err error) {
	e.logger.DebugContext(ctx, "concurrent modification, retrying", "run_id", runID, "err", err)
	if e.hooks.OnConflict != nil {
		e.hooks.OnConflict(ctx, runID, err)
	}
}

func (e *Engine) emitNodeFinished(ctx context.Context, run *domain.WorkflowRun, node domain.NodeDefinition, attempt int, status domain.NodeStatus, d time.Duration, err error) {
	if e.hooks.OnNodeFinished == nil {
		return
	}
	e.hooks.OnNodeFinished(ctx, &domain.NodeOutcome{
		RunID:    run.ID,
		NodeID:   node.ID,
		NodeType: node.Type,
		Attempt:  attempt,
		Status:   status,
		Duration: d,
		Err:      err,
	})
}
