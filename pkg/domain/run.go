package domain

import (
	"maps"
	"slices"
	"time"
)

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSuspended RunStatus = "SUSPENDED" // Awaiting an external signal
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"

	// Post-saga statuses of a failed run.
	RunCompensated        RunStatus = "COMPENSATED"
	RunCompensationFailed RunStatus = "COMPENSATION_FAILED"
)

// NodeStatus is the execution status of a single node within a run.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeRetrying  NodeStatus = "RETRYING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
)

// ErrorInfo is the serializable description of a failure.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewErrorInfo converts an error into its persisted form.
func NewErrorInfo(code string, err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Code: code, Message: err.Error()}
}

// NodeExecution tracks one node of a run. It is created on first scheduling
// and never removed; terminal entries are kept for audit and compensation.
type NodeExecution struct {
	NodeID      string         `json:"node_id"`
	Status      NodeStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	FinishedAt  time.Time      `json:"finished_at,omitzero"`
}

// WorkflowRun is the materialized snapshot of a run. It is derived from the
// event ledger and may always be rebuilt from it.
type WorkflowRun struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	DefinitionID      string    `json:"definition_id"`
	DefinitionVersion int       `json:"definition_version"`
	Status            RunStatus `json:"status"`

	Context map[string]any            `json:"context"`
	Nodes   map[string]*NodeExecution `json:"nodes"`

	// ExecutionPath lists node IDs in scheduling order (one entry per attempt).
	ExecutionPath []string `json:"execution_path"`

	// CompletionOrder lists node IDs in the order they completed.
	CompletionOrder []string `json:"completion_order"`

	// Version equals the number of ledger events folded into this snapshot.
	Version int64 `json:"version"`

	SuspendReason string     `json:"suspend_reason,omitempty"`
	WaitingOnNode string     `json:"waiting_on_node,omitempty"`
	Error         *ErrorInfo `json:"error,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`

	Outputs      map[string]any     `json:"outputs,omitempty"`
	Compensation *CompensationState `json:"compensation,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsTerminal reports whether the run accepts no further execution events.
func (r *WorkflowRun) IsTerminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled, RunCompensated, RunCompensationFailed:
		return true
	}
	return false
}

// NodeStatusOf returns the status of a node, or "" if it has never been scheduled.
func (r *WorkflowRun) NodeStatusOf(nodeID string) NodeStatus {
	if exec, ok := r.Nodes[nodeID]; ok {
		return exec.Status
	}
	return ""
}

// Clone returns a deep copy of the run.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Context = CloneMap(r.Context)
	c.Outputs = CloneMap(r.Outputs)
	c.Nodes = make(map[string]*NodeExecution, len(r.Nodes))
	for id, exec := range r.Nodes {
		e := *exec
		e.Output = CloneMap(exec.Output)
		if exec.Error != nil {
			errInfo := *exec.Error
			e.Error = &errInfo
		}
		c.Nodes[id] = &e
	}
	c.ExecutionPath = slices.Clone(r.ExecutionPath)
	c.CompletionOrder = slices.Clone(r.CompletionOrder)
	if r.Error != nil {
		errInfo := *r.Error
		c.Error = &errInfo
	}
	if r.Compensation != nil {
		cs := *r.Compensation
		cs.Pending = slices.Clone(r.Compensation.Pending)
		cs.Compensated = slices.Clone(r.Compensation.Compensated)
		cs.Failed = maps.Clone(r.Compensation.Failed)
		c.Compensation = &cs
	}
	return &c
}
