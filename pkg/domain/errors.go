package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrDefinitionNotFound is returned when no definition exists for (tenant, id).
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrInvalidDefinition is returned when a definition fails graph validation.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrRunNotFound is returned when the snapshot store has no run for an ID.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrVersionConflict is returned when a snapshot write was based on a stale version.
	// It is transient: reload and retry.
	ErrVersionConflict = errors.New("snapshot version conflict")

	// ErrSequenceConflict is returned when another writer already appended the sequence number.
	ErrSequenceConflict = errors.New("event sequence conflict")

	// ErrNodeExecution marks a node failure reported by the executor.
	ErrNodeExecution = errors.New("node execution failed")

	// ErrStuckWorkflow signals a run with no ready nodes, no work in flight and no completion.
	ErrStuckWorkflow = errors.New("workflow is stuck")

	// ErrCompensationFailed signals that at least one compensation step failed.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrTerminalRun is returned when an event targets a run in a terminal state.
	ErrTerminalRun = errors.New("workflow run is terminal")

	// ErrInvalidTransition is returned when an event is not valid for the current run state.
	ErrInvalidTransition = errors.New("invalid run transition")

	// ErrTooManyConflicts is returned when a commit exhausted its conflict retries.
	ErrTooManyConflicts = errors.New("too many concurrent modifications")

	// ErrInvalidInput is returned when run input does not match the definition's input schema.
	ErrInvalidInput = errors.New("invalid run input")
)

// InvalidDefinitionError lists every validation problem found in a definition.
type InvalidDefinitionError struct {
	DefinitionID string
	Problems     []string
}

func (e *InvalidDefinitionError) Error() string {
	return fmt.Sprintf("invalid workflow definition %q: %s", e.DefinitionID, strings.Join(e.Problems, "; "))
}

func (e *InvalidDefinitionError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

// VersionConflictError reports a rejected optimistic snapshot write.
type VersionConflictError struct {
	RunID    string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("run %s: snapshot version conflict (expected %d, stored %d)", e.RunID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// SequenceConflictError reports a rejected ledger append.
type SequenceConflictError struct {
	RunID    string
	Sequence int64
	Last     int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("run %s: cannot append sequence %d (last is %d)", e.RunID, e.Sequence, e.Last)
}

func (e *SequenceConflictError) Is(target error) bool {
	return target == ErrSequenceConflict
}

// StuckWorkflowError identifies the nodes that can never become ready.
type StuckWorkflowError struct {
	RunID   string
	Blocked []string
}

func (e *StuckWorkflowError) Error() string {
	return fmt.Sprintf("run %s is stuck: blocked nodes [%s]", e.RunID, strings.Join(e.Blocked, ", "))
}

func (e *StuckWorkflowError) Is(target error) bool {
	return target == ErrStuckWorkflow
}

// CompensationError names every node whose compensation failed.
type CompensationError struct {
	RunID    string
	Failures map[string]string
}

func (e *CompensationError) Error() string {
	nodes := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return fmt.Sprintf("run %s: compensation failed for [%s]", e.RunID, strings.Join(nodes, ", "))
}

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// NodeError wraps an executor failure for a specific node attempt.
type NodeError struct {
	NodeID  string
	Attempt int
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (attempt %d): %v", e.NodeID, e.Attempt, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

func (e *NodeError) Is(target error) bool {
	return target == ErrNodeExecution
}
