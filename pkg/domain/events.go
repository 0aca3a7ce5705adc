package domain

import (
	"fmt"
	"time"
)

// EventKind is the discriminator of the ExecutionEvent tagged union.
type EventKind string

const (
	EventWorkflowStarted   EventKind = "workflow_started"
	EventNodeScheduled     EventKind = "node_scheduled"
	EventNodeStarted       EventKind = "node_started"
	EventNodeCompleted     EventKind = "node_completed"
	EventNodeFailed        EventKind = "node_failed"
	EventWorkflowSuspended EventKind = "workflow_suspended"
	EventWorkflowResumed   EventKind = "workflow_resumed"
	EventWorkflowCompleted EventKind = "workflow_completed"
	EventWorkflowFailed    EventKind = "workflow_failed"
	EventWorkflowCancelled EventKind = "workflow_cancelled"
	EventGeneric           EventKind = "generic"

	// Saga audit trail.
	EventCompensationStarted  EventKind = "compensation_started"
	EventNodeCompensated      EventKind = "node_compensated"
	EventCompensationFinished EventKind = "compensation_finished"
)

// ExecutionEvent is one immutable entry of a run's ledger.
// Exactly one payload field is set, and it must match Kind.
type ExecutionEvent struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Sequence   int64     `json:"sequence"`
	OccurredAt time.Time `json:"occurred_at"`
	Kind       EventKind `json:"kind"`

	WorkflowStarted   *WorkflowStartedData   `json:"workflow_started,omitempty"`
	NodeScheduled     *NodeScheduledData     `json:"node_scheduled,omitempty"`
	NodeStarted       *NodeStartedData       `json:"node_started,omitempty"`
	NodeCompleted     *NodeCompletedData     `json:"node_completed,omitempty"`
	NodeFailed        *NodeFailedData        `json:"node_failed,omitempty"`
	WorkflowSuspended *WorkflowSuspendedData `json:"workflow_suspended,omitempty"`
	WorkflowResumed   *WorkflowResumedData   `json:"workflow_resumed,omitempty"`
	WorkflowCompleted *WorkflowCompletedData `json:"workflow_completed,omitempty"`
	WorkflowFailed    *WorkflowFailedData    `json:"workflow_failed,omitempty"`
	WorkflowCancelled *WorkflowCancelledData `json:"workflow_cancelled,omitempty"`
	Generic           *GenericData           `json:"generic,omitempty"`

	CompensationStarted  *CompensationStartedData  `json:"compensation_started,omitempty"`
	NodeCompensated      *NodeCompensatedData      `json:"node_compensated,omitempty"`
	CompensationFinished *CompensationFinishedData `json:"compensation_finished,omitempty"`
}

type WorkflowStartedData struct {
	TenantID          string         `json:"tenant_id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Input             map[string]any `json:"input,omitempty"`
}

type NodeScheduledData struct {
	NodeID  string `json:"node_id"`
	Attempt int    `json:"attempt"`
}

type NodeStartedData struct {
	NodeID  string `json:"node_id"`
	Attempt int    `json:"attempt"`
}

type NodeCompletedData struct {
	NodeID string         `json:"node_id"`
	Output map[string]any `json:"output,omitempty"`
}

type NodeFailedData struct {
	NodeID    string    `json:"node_id"`
	Attempt   int       `json:"attempt"`
	Error     ErrorInfo `json:"error"`
	WillRetry bool      `json:"will_retry"`
}

type WorkflowSuspendedData struct {
	Reason        string `json:"reason"`
	WaitingOnNode string `json:"waiting_on_node,omitempty"`
}

type WorkflowResumedData struct {
	Signal  string         `json:"signal,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type WorkflowCompletedData struct {
	Outputs map[string]any `json:"outputs,omitempty"`
}

type WorkflowFailedData struct {
	Error ErrorInfo `json:"error"`
}

type WorkflowCancelledData struct {
	Reason string `json:"reason,omitempty"`
}

// GenericData carries extension events. The fold records them without
// changing execution state.
type GenericData struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

type CompensationStartedData struct {
	Strategy CompensationStrategy `json:"strategy"`
	Pending  []string             `json:"pending"`
}

type NodeCompensatedData struct {
	NodeID string     `json:"node_id"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

type CompensationFinishedData struct {
	Success bool     `json:"success"`
	Failed  []string `json:"failed,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

// Validate checks that the payload matches the kind tag.
func (e *ExecutionEvent) Validate() error {
	if e.RunID == "" {
		return fmt.Errorf("event %s: run id is required", e.Kind)
	}
	var set bool
	switch e.Kind {
	case EventWorkflowStarted:
		set = e.WorkflowStarted != nil
	case EventNodeScheduled:
		set = e.NodeScheduled != nil
	case EventNodeStarted:
		set = e.NodeStarted != nil
	case EventNodeCompleted:
		set = e.NodeCompleted != nil
	case EventNodeFailed:
		set = e.NodeFailed != nil
	case EventWorkflowSuspended:
		set = e.WorkflowSuspended != nil
	case EventWorkflowResumed:
		set = e.WorkflowResumed != nil
	case EventWorkflowCompleted:
		set = e.WorkflowCompleted != nil
	case EventWorkflowFailed:
		set = e.WorkflowFailed != nil
	case EventWorkflowCancelled:
		set = e.WorkflowCancelled != nil
	case EventGeneric:
		set = e.Generic != nil
	case EventCompensationStarted:
		set = e.CompensationStarted != nil
	case EventNodeCompensated:
		set = e.NodeCompensated != nil
	case EventCompensationFinished:
		set = e.CompensationFinished != nil
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if !set {
		return fmt.Errorf("event %s: missing payload", e.Kind)
	}
	return nil
}

// NodeID returns the node an event refers to, or "" for run-level events.
func (e *ExecutionEvent) NodeID() string {
	switch e.Kind {
	case EventNodeScheduled:
		return e.NodeScheduled.NodeID
	case EventNodeStarted:
		return e.NodeStarted.NodeID
	case EventNodeCompleted:
		return e.NodeCompleted.NodeID
	case EventNodeFailed:
		return e.NodeFailed.NodeID
	case EventNodeCompensated:
		return e.NodeCompensated.NodeID
	case EventWorkflowSuspended:
		return e.WorkflowSuspended.WaitingOnNode
	}
	return ""
}

// Constructors. Sequence, ID and OccurredAt are assigned when the event is committed.

func NewWorkflowStarted(runID string, def *WorkflowDefinition, tenantID string, input map[string]any) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventWorkflowStarted, WorkflowStarted: &WorkflowStartedData{
		TenantID:          tenantID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Input:             input,
	}}
}

func NewNodeScheduled(runID, nodeID string, attempt int) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventNodeScheduled, NodeScheduled: &NodeScheduledData{NodeID: nodeID, Attempt: attempt}}
}

func NewNodeStarted(runID, nodeID string, attempt int) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventNodeStarted, NodeStarted: &NodeStartedData{NodeID: nodeID, Attempt: attempt}}
}

func NewNodeCompleted(runID, nodeID string, output map[string]any) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventNodeCompleted, NodeCompleted: &NodeCompletedData{NodeID: nodeID, Output: output}}
}

func NewNodeFailed(runID, nodeID string, attempt int, errInfo ErrorInfo, willRetry bool) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventNodeFailed, NodeFailed: &NodeFailedData{
		NodeID: nodeID, Attempt: attempt, Error: errInfo, WillRetry: willRetry,
	}}
}

func NewWorkflowSuspended(runID, reason, waitingOnNode string) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventWorkflowSuspended, WorkflowSuspended: &WorkflowSuspendedData{
		Reason: reason, WaitingOnNode: waitingOnNode,
	}}
}

func NewWorkflowResumed(runID, signal string, payload map[string]any) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventWorkflowResumed, WorkflowResumed: &WorkflowResumedData{Signal: signal, Payload: payload}}
}

func NewWorkflowCompleted(runID string, outputs map[string]any) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventWorkflowCompleted, WorkflowCompleted: &WorkflowCompletedData{Outputs: outputs}}
}

func NewWorkflowFailed(runID string, errInfo ErrorInfo) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventWorkflowFailed, WorkflowFailed: &WorkflowFailedData{Error: errInfo}}
}

func NewWorkflowCancelled(runID, reason string) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventWorkflowCancelled, WorkflowCancelled: &WorkflowCancelledData{Reason: reason}}
}

func NewGeneric(runID, name string, data map[string]any) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventGeneric, Generic: &GenericData{Name: name, Data: data}}
}

func NewCompensationStarted(runID string, strategy CompensationStrategy, pending []string) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventCompensationStarted, CompensationStarted: &CompensationStartedData{
		Strategy: strategy, Pending: pending,
	}}
}

func NewNodeCompensated(runID, nodeID string, errInfo *ErrorInfo) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventNodeCompensated, NodeCompensated: &NodeCompensatedData{NodeID: nodeID, Error: errInfo}}
}

func NewCompensationFinished(runID string, success bool, failed, skipped []string) *ExecutionEvent {
	return &ExecutionEvent{RunID: runID, Kind: EventCompensationFinished, CompensationFinished: &CompensationFinishedData{
		Success: success, Failed: failed, Skipped: skipped,
	}}
}
