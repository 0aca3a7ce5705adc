package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"
)

// CompensationResolver maps a handler reference from node config to a handler.
type CompensationResolver interface {
	ResolveCompensation(name string) (ports.CompensationHandler, bool)
}

// CompensationPlan is what a CustomStrategy receives. Step compensates one node
// with the policy timeout applied and panics recovered.
type CompensationPlan struct {
	Run        *domain.WorkflowRun
	Definition *domain.WorkflowDefinition
	Order      []string
	Step       func(ctx context.Context, nodeID string) error
}

// CustomStrategy implements the CUSTOM compensation strategy. The saga succeeds only
// when the strategy reports Success and lists no failures.
type CustomStrategy func(ctx context.Context, plan CompensationPlan) domain.CompensationResult

// Coordinator unwinds the completed nodes of a failed or cancelled run.
type Coordinator struct {
	handlers CompensationResolver
	custom   CustomStrategy
	logger   *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCustomStrategy installs the logic used by the CUSTOM strategy.
func WithCustomStrategy(s CustomStrategy) CoordinatorOption {
	return func(c *Coordinator) {
		c.custom = s
	}
}

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a coordinator resolving handlers through handlers.
func NewCoordinator(handlers CompensationResolver, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		handlers: handlers,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompensationOrder returns the completed nodes of run, most recently completed first.
func CompensationOrder(run *domain.WorkflowRun) []string {
	order := make([]string, 0, len(run.CompletionOrder))
	seen := make(map[string]bool, len(run.CompletionOrder))
	for i := len(run.CompletionOrder) - 1; i >= 0; i-- {
		id := run.CompletionOrder[i]
		if seen[id] || run.NodeStatusOf(id) != domain.NodeCompleted {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}
	return order
}

// Compensate unwinds every completed node of run in reverse completion order.
// Failures are reported in the result, never returned.
func (c *Coordinator) Compensate(ctx context.Context, run *domain.WorkflowRun, def *domain.WorkflowDefinition) domain.CompensationResult {
	return c.CompensateNodes(ctx, run, def, CompensationOrder(run))
}

// CompensateNodes unwinds the given nodes, which must already be in unwind order.
// The engine uses it to finish a saga that was interrupted part way.
func (c *Coordinator) CompensateNodes(ctx context.Context, run *domain.WorkflowRun, def *domain.WorkflowDefinition, order []string) domain.CompensationResult {
	if !def.CompensationEnabled() {
		return domain.CompensationResult{Success: true}
	}
	policy := def.Compensation

	step := func(ctx context.Context, nodeID string) error {
		return c.compensateNode(ctx, run, def, nodeID)
	}

	var result domain.CompensationResult
	vetoed := false
	switch policy.Strategy {
	case domain.StrategyParallel:
		result = c.parallel(ctx, order, step)
	case domain.StrategyCustom:
		if c.custom == nil {
			c.logger.WarnContext(ctx, "custom compensation strategy not configured, falling back to sequential", "run_id", run.ID)
			result = c.sequential(ctx, order, policy.FailOnCompensationError, step)
			break
		}
		result = c.runCustom(ctx, CompensationPlan{Run: run.Clone(), Definition: def, Order: slices.Clone(order), Step: step})
		vetoed = !result.Success
	case domain.StrategySequential, "":
		result = c.sequential(ctx, order, policy.FailOnCompensationError, step)
	default:
		c.logger.WarnContext(ctx, "unknown compensation strategy, falling back to sequential", "run_id", run.ID, "strategy", policy.Strategy)
		result = c.sequential(ctx, order, policy.FailOnCompensationError, step)
	}

	result.Strategy = policy.Strategy
	result.Order = order
	result.Success = !vetoed && len(result.Failures) == 0

	c.logger.InfoContext(ctx, "compensation finished",
		"run_id", run.ID,
		"strategy", policy.Strategy,
		"compensated", len(result.Compensated),
		"failed", len(result.Failures),
		"skipped", len(result.Skipped),
	)
	return result
}

func (c *Coordinator) sequential(ctx context.Context, order []string, stopOnError bool, step func(context.Context, string) error) domain.CompensationResult {
	var result domain.CompensationResult
	for i, id := range order {
		if err := step(ctx, id); err != nil {
			c.logger.WarnContext(ctx, "node compensation failed", "node_id", id, "err", err)
			result.Failures = append(result.Failures, domain.CompensationFailure{NodeID: id, Error: err.Error()})
			if stopOnError {
				result.Skipped = slices.Clone(order[i+1:])
				break
			}
			continue
		}
		result.Compensated = append(result.Compensated, id)
	}
	return result
}

// parallel runs every step and joins on all of them; one failure never cancels the others.
func (c *Coordinator) parallel(ctx context.Context, order []string, step func(context.Context, string) error) domain.CompensationResult {
	errs := make([]error, len(order))

	var g errgroup.Group
	for i, id := range order {
		g.Go(func() error {
			errs[i] = step(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	var result domain.CompensationResult
	for i, id := range order {
		if errs[i] != nil {
			c.logger.WarnContext(ctx, "node compensation failed", "node_id", id, "err", errs[i])
			result.Failures = append(result.Failures, domain.CompensationFailure{NodeID: id, Error: errs[i].Error()})
			continue
		}
		result.Compensated = append(result.Compensated, id)
	}
	return result
}

func (c *Coordinator) runCustom(ctx context.Context, plan CompensationPlan) (result domain.CompensationResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "custom compensation strategy panicked", "run_id", plan.Run.ID, "panic", r)
			result = domain.CompensationResult{
				Failures: []domain.CompensationFailure{{NodeID: "*", Error: fmt.Sprintf("custom strategy panicked: %v", r)}},
			}
		}
	}()
	return c.custom(ctx, plan)
}

// handlerRef is the decoded form of the "compensation" node config key.
type handlerRef struct {
	Handler string         `mapstructure:"handler"`
	Args    map[string]any `mapstructure:"args"`
}

func parseHandlerRef(raw any) (handlerRef, error) {
	var ref handlerRef
	switch v := raw.(type) {
	case nil:
		return ref, nil
	case string:
		ref.Handler = v
		return ref, nil
	}
	if err := mapstructure.Decode(raw, &ref); err != nil {
		return ref, fmt.Errorf("invalid compensation reference: %w", err)
	}
	return ref, nil
}

func (c *Coordinator) compensateNode(ctx context.Context, run *domain.WorkflowRun, def *domain.WorkflowDefinition, nodeID string) error {
	node, ok := def.Node(nodeID)
	if !ok {
		return fmt.Errorf("node %s is not part of definition %s", nodeID, def.ID)
	}
	ref, err := parseHandlerRef(node.Config[domain.KeyCompensation])
	if err != nil {
		return err
	}
	if ref.Handler == "" {
		// No handler means no externally visible side effect to undo.
		return nil
	}
	if c.handlers == nil {
		return fmt.Errorf("compensation handler %q not registered", ref.Handler)
	}
	handler, ok := c.handlers.ResolveCompensation(ref.Handler)
	if !ok {
		return fmt.Errorf("compensation handler %q not registered", ref.Handler)
	}

	if timeout := def.Compensation.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var output map[string]any
	if exec, ok := run.Nodes[nodeID]; ok {
		output = domain.CloneMap(exec.Output)
	}
	req := ports.CompensationRequest{
		RunID:       run.ID,
		NodeID:      nodeID,
		Handler:     ref.Handler,
		Args:        ref.Args,
		Config:      domain.CloneMap(node.Config),
		PriorOutput: output,
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("compensation handler %q panicked: %v", ref.Handler, r)
			}
		}()
		done <- handler.Compensate(ctx, req)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("compensation of node %s: %w", nodeID, ctx.Err())
	}
}
