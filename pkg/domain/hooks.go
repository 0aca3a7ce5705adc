package domain

import (
	"context"
	"time"
)

// NodeOutcome describes a finished node attempt.
type NodeOutcome struct {
	RunID    string
	NodeID   string
	NodeType string
	Attempt  int
	Status   NodeStatus
	Duration time.Duration
	Err      error
}

// LifecycleHooks defines callbacks for engine observability.
// Every field is optional.
type LifecycleHooks struct {
	OnEventAppended        func(context.Context, *ExecutionEvent)
	OnConflict             func(ctx context.Context, runID string, err error)
	OnNodeFinished         func(context.Context, *NodeOutcome)
	OnRunFinished          func(context.Context, *WorkflowRun)
	OnStuck                func(context.Context, *WorkflowRun, *StuckWorkflowError)
	OnCompensationFinished func(context.Context, *WorkflowRun, CompensationResult)
}

// Merge combines two hook sets; both callbacks run when both are set.
func (h LifecycleHooks) Merge(other LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnEventAppended:        chain2(h.OnEventAppended, other.OnEventAppended),
		OnConflict:             chain3(h.OnConflict, other.OnConflict),
		OnNodeFinished:         chain2(h.OnNodeFinished, other.OnNodeFinished),
		OnRunFinished:          chain2(h.OnRunFinished, other.OnRunFinished),
		OnStuck:                chain3(h.OnStuck, other.OnStuck),
		OnCompensationFinished: chain3(h.OnCompensationFinished, other.OnCompensationFinished),
	}
}

func chain2[A, B any](f, g func(A, B)) func(A, B) {
	if f == nil {
		return g
	}
	if g == nil {
		return f
	}
	return func(a A, b B) {
		f(a, b)
		g(a, b)
	}
}

func chain3[A, B, C any](f, g func(A, B, C)) func(A, B, C) {
	if f == nil {
		return g
	}
	if g == nil {
		return f
	}
	return func(a A, b B, c C) {
		f(a, b, c)
		g(a, b, c)
	}
}
