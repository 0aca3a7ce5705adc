package runtime

import (
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/aretw0/lattice/pkg/domain"
)

// Apply folds a single event into run and returns the resulting snapshot.
// It is pure: run is never modified, and the same inputs always produce the same output.
// A nil run only accepts the WorkflowStarted event with sequence 1.
func Apply(run *domain.WorkflowRun, ev *domain.ExecutionEvent) (*domain.WorkflowRun, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransition, err)
	}

	if run == nil {
		if ev.Kind != domain.EventWorkflowStarted {
			return nil, fmt.Errorf("%w: run %s must begin with %s, got %s", domain.ErrInvalidTransition, ev.RunID, domain.EventWorkflowStarted, ev.Kind)
		}
		if ev.Sequence != 1 {
			return nil, fmt.Errorf("%w: run %s must begin at sequence 1, got %d", domain.ErrInvalidTransition, ev.RunID, ev.Sequence)
		}
		return startRun(ev)
	}

	if ev.RunID != run.ID {
		return nil, fmt.Errorf("%w: event for run %s applied to run %s", domain.ErrInvalidTransition, ev.RunID, run.ID)
	}
	if ev.Sequence != run.Version+1 {
		return nil, fmt.Errorf("%w: run %s expects sequence %d, got %d", domain.ErrInvalidTransition, run.ID, run.Version+1, ev.Sequence)
	}
	if run.IsTerminal() && !isAuditEvent(ev.Kind) {
		return nil, fmt.Errorf("%w: run %s is %s, cannot apply %s", domain.ErrTerminalRun, run.ID, run.Status, ev.Kind)
	}

	next := run.Clone()
	next.Version = ev.Sequence
	next.UpdatedAt = ev.OccurredAt

	var err error
	switch ev.Kind {
	case domain.EventWorkflowStarted:
		err = transitionErr(run, ev, "run already started")
	case domain.EventNodeScheduled:
		err = applyNodeScheduled(next, ev)
	case domain.EventNodeStarted:
		err = applyNodeStarted(next, ev)
	case domain.EventNodeCompleted:
		err = applyNodeCompleted(next, ev)
	case domain.EventNodeFailed:
		err = applyNodeFailed(next, ev)
	case domain.EventWorkflowSuspended:
		err = applyWorkflowSuspended(next, ev)
	case domain.EventWorkflowResumed:
		err = applyWorkflowResumed(next, ev)
	case domain.EventWorkflowCompleted:
		err = applyWorkflowCompleted(next, ev)
	case domain.EventWorkflowFailed:
		err = applyWorkflowFailed(next, ev)
	case domain.EventWorkflowCancelled:
		next.Status = domain.RunCancelled
		next.CancelReason = ev.WorkflowCancelled.Reason
		next.CompletedAt = ev.OccurredAt
	case domain.EventGeneric:
		// Audit only.
	case domain.EventCompensationStarted:
		err = applyCompensationStarted(next, ev)
	case domain.EventNodeCompensated:
		err = applyNodeCompensated(next, ev)
	case domain.EventCompensationFinished:
		err = applyCompensationFinished(next, ev)
	default:
		err = fmt.Errorf("%w: unknown event kind %q", domain.ErrInvalidTransition, ev.Kind)
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Replay rebuilds a snapshot from the complete, ordered event history of a run.
func Replay(events []*domain.ExecutionEvent) (*domain.WorkflowRun, error) {
	if len(events) == 0 {
		return nil, domain.ErrRunNotFound
	}
	var run *domain.WorkflowRun
	for _, ev := range events {
		next, err := Apply(run, ev)
		if err != nil {
			return nil, fmt.Errorf("replay sequence %d: %w", ev.Sequence, err)
		}
		run = next
	}
	return run, nil
}

func isAuditEvent(kind domain.EventKind) bool {
	switch kind {
	case domain.EventGeneric, domain.EventCompensationStarted, domain.EventNodeCompensated, domain.EventCompensationFinished:
		return true
	}
	return false
}

func transitionErr(run *domain.WorkflowRun, ev *domain.ExecutionEvent, reason string) error {
	return fmt.Errorf("%w: run %s (%s) cannot apply %s: %s", domain.ErrInvalidTransition, run.ID, run.Status, ev.Kind, reason)
}

func startRun(ev *domain.ExecutionEvent) (*domain.WorkflowRun, error) {
	data := ev.WorkflowStarted
	ctx := make(map[string]any, len(data.Input))
	if err := mergeInto(&ctx, data.Input); err != nil {
		return nil, err
	}
	return &domain.WorkflowRun{
		ID:                ev.RunID,
		TenantID:          data.TenantID,
		DefinitionID:      data.DefinitionID,
		DefinitionVersion: data.DefinitionVersion,
		Status:            domain.RunRunning,
		Context:           ctx,
		Nodes:             make(map[string]*domain.NodeExecution),
		ExecutionPath:     []string{},
		CompletionOrder:   []string{},
		Version:           ev.Sequence,
		CreatedAt:         ev.OccurredAt,
		StartedAt:         ev.OccurredAt,
		UpdatedAt:         ev.OccurredAt,
	}, nil
}

func applyNodeScheduled(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	data := ev.NodeScheduled
	if run.Status != domain.RunRunning {
		return transitionErr(run, ev, "scheduling requires a running run")
	}

	exec, ok := run.Nodes[data.NodeID]
	switch {
	case !ok:
		run.Nodes[data.NodeID] = &domain.NodeExecution{
			NodeID:      data.NodeID,
			Status:      domain.NodePending,
			Attempt:     data.Attempt,
			ScheduledAt: ev.OccurredAt,
		}
	case exec.Status == domain.NodeRetrying:
		exec.Status = domain.NodePending
		exec.Attempt = data.Attempt
		exec.ScheduledAt = ev.OccurredAt
		exec.StartedAt = time.Time{}
		exec.FinishedAt = time.Time{}
	default:
		return transitionErr(run, ev, fmt.Sprintf("node %s is already %s", data.NodeID, exec.Status))
	}
	run.ExecutionPath = append(run.ExecutionPath, data.NodeID)
	return nil
}

func applyNodeStarted(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	data := ev.NodeStarted
	exec, ok := run.Nodes[data.NodeID]
	if !ok {
		return transitionErr(run, ev, fmt.Sprintf("node %s was never scheduled", data.NodeID))
	}
	if exec.Status != domain.NodePending {
		return transitionErr(run, ev, fmt.Sprintf("node %s is %s", data.NodeID, exec.Status))
	}
	exec.Status = domain.NodeRunning
	exec.StartedAt = ev.OccurredAt
	return nil
}

func applyNodeCompleted(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	data := ev.NodeCompleted
	exec, ok := run.Nodes[data.NodeID]
	if !ok {
		return transitionErr(run, ev, fmt.Sprintf("node %s was never scheduled", data.NodeID))
	}
	if exec.Status != domain.NodePending && exec.Status != domain.NodeRunning {
		return transitionErr(run, ev, fmt.Sprintf("node %s is %s", data.NodeID, exec.Status))
	}

	exec.Status = domain.NodeCompleted
	exec.Output = domain.CloneMap(data.Output)
	exec.Error = nil
	exec.FinishedAt = ev.OccurredAt
	run.CompletionOrder = append(run.CompletionOrder, data.NodeID)
	if run.WaitingOnNode == data.NodeID {
		run.WaitingOnNode = ""
	}
	return mergeInto(&run.Context, data.Output)
}

func applyNodeFailed(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	data := ev.NodeFailed
	exec, ok := run.Nodes[data.NodeID]
	if !ok {
		return transitionErr(run, ev, fmt.Sprintf("node %s was never scheduled", data.NodeID))
	}
	if exec.Status != domain.NodePending && exec.Status != domain.NodeRunning {
		return transitionErr(run, ev, fmt.Sprintf("node %s is %s", data.NodeID, exec.Status))
	}

	errInfo := data.Error
	exec.Error = &errInfo
	exec.Attempt = data.Attempt
	exec.FinishedAt = ev.OccurredAt
	if data.WillRetry {
		exec.Status = domain.NodeRetrying
	} else {
		exec.Status = domain.NodeFailed
	}
	if run.WaitingOnNode == data.NodeID {
		run.WaitingOnNode = ""
	}
	return nil
}

func applyWorkflowSuspended(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	data := ev.WorkflowSuspended
	if run.Status != domain.RunRunning {
		return transitionErr(run, ev, "only a running run can be suspended")
	}
	if data.WaitingOnNode != "" {
		exec, ok := run.Nodes[data.WaitingOnNode]
		if !ok || exec.Status != domain.NodeRunning {
			return transitionErr(run, ev, fmt.Sprintf("node %s is not running", data.WaitingOnNode))
		}
	}
	run.Status = domain.RunSuspended
	run.SuspendReason = data.Reason
	run.WaitingOnNode = data.WaitingOnNode
	return nil
}

func applyWorkflowResumed(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	if run.Status != domain.RunSuspended {
		return transitionErr(run, ev, "run is not suspended")
	}
	run.Status = domain.RunRunning
	run.SuspendReason = ""
	return mergeInto(&run.Context, ev.WorkflowResumed.Payload)
}

func applyWorkflowCompleted(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	if run.Status != domain.RunRunning {
		return transitionErr(run, ev, "only a running run can complete")
	}
	for id, exec := range run.Nodes {
		if exec.Status != domain.NodeCompleted {
			return transitionErr(run, ev, fmt.Sprintf("node %s is %s", id, exec.Status))
		}
	}
	run.Status = domain.RunCompleted
	run.Outputs = domain.CloneMap(ev.WorkflowCompleted.Outputs)
	run.CompletedAt = ev.OccurredAt
	return nil
}

func applyWorkflowFailed(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	errInfo := ev.WorkflowFailed.Error
	run.Status = domain.RunFailed
	run.Error = &errInfo
	run.CompletedAt = ev.OccurredAt
	return nil
}

func applyCompensationStarted(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	if run.Status != domain.RunFailed && run.Status != domain.RunCancelled {
		return transitionErr(run, ev, "only failed or cancelled runs are compensated")
	}
	if run.Compensation != nil {
		return transitionErr(run, ev, "compensation already started")
	}
	data := ev.CompensationStarted
	run.Compensation = &domain.CompensationState{
		Strategy:    data.Strategy,
		Pending:     append([]string{}, data.Pending...),
		Compensated: []string{},
		StartedAt:   ev.OccurredAt,
	}
	return nil
}

func applyNodeCompensated(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	state := run.Compensation
	if state == nil || state.Finished() {
		return transitionErr(run, ev, "no compensation in progress")
	}
	data := ev.NodeCompensated
	idx := -1
	for i, id := range state.Pending {
		if id == data.NodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return transitionErr(run, ev, fmt.Sprintf("node %s is not pending compensation", data.NodeID))
	}
	state.Pending = append(state.Pending[:idx], state.Pending[idx+1:]...)

	if data.Error != nil {
		if state.Failed == nil {
			state.Failed = make(map[string]string)
		}
		state.Failed[data.NodeID] = data.Error.Message
		return nil
	}
	state.Compensated = append(state.Compensated, data.NodeID)
	return nil
}

func applyCompensationFinished(run *domain.WorkflowRun, ev *domain.ExecutionEvent) error {
	state := run.Compensation
	if state == nil || state.Finished() {
		return transitionErr(run, ev, "no compensation in progress")
	}
	data := ev.CompensationFinished
	state.Success = data.Success
	state.FinishedAt = ev.OccurredAt

	// A cancelled run stays cancelled; the saga outcome lives in Compensation.
	if run.Status == domain.RunFailed {
		if data.Success {
			run.Status = domain.RunCompensated
		} else {
			run.Status = domain.RunCompensationFailed
		}
	}
	return nil
}

// mergeInto overlays src onto dst. Nested maps are merged, everything else is replaced.
func mergeInto(dst *map[string]any, src map[string]any) error {
	if len(src) == 0 {
		return nil
	}
	if *dst == nil {
		*dst = make(map[string]any, len(src))
	}
	if err := mergo.Merge(dst, domain.CloneMap(src), mergo.WithOverride); err != nil {
		return fmt.Errorf("merge into run context: %w", err)
	}
	return nil
}
