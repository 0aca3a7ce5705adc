package ports

import "context"

// NodeRequest is the input handed to a NodeExecutor for one attempt.
type NodeRequest struct {
	RunID    string
	TenantID string
	NodeID   string
	NodeType string
	Attempt  int
	Config   map[string]any

	// Context is a copy of the run context; executors must not rely on mutating it.
	Context map[string]any
}

// NodeResult is the successful outcome of a node execution.
type NodeResult struct {
	Output map[string]any

	// Suspend asks the engine to park the run until an external signal resumes it.
	// The node completes with the resume payload as its output.
	Suspend       bool
	SuspendReason string
}

// NodeExecutor runs the logic of a node. A returned error is recorded as a node failure.
type NodeExecutor interface {
	Execute(ctx context.Context, req NodeRequest) (NodeResult, error)
}

// NodeExecutorFunc adapts a function to NodeExecutor.
type NodeExecutorFunc func(ctx context.Context, req NodeRequest) (NodeResult, error)

func (f NodeExecutorFunc) Execute(ctx context.Context, req NodeRequest) (NodeResult, error) {
	return f(ctx, req)
}

// CompensationRequest carries what a handler needs to undo a completed node.
type CompensationRequest struct {
	RunID       string
	NodeID      string
	Handler     string
	Args        map[string]any
	Config      map[string]any
	PriorOutput map[string]any
}

// CompensationHandler undoes the externally visible effect of a completed node.
type CompensationHandler interface {
	Compensate(ctx context.Context, req CompensationRequest) error
}

// CompensationHandlerFunc adapts a function to CompensationHandler.
type CompensationHandlerFunc func(ctx context.Context, req CompensationRequest) error

func (f CompensationHandlerFunc) Compensate(ctx context.Context, req CompensationRequest) error {
	return f(ctx, req)
}
