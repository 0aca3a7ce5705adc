package domain

import (
	"reflect"
)

// RunDiff represents the changes between two snapshots of the same run.
// It is designed to be serialized to JSON for partial updates on the client.
type RunDiff struct {
	// RunID is always present to identify the target.
	RunID string `json:"run_id"`

	FromVersion int64 `json:"from_version"`
	ToVersion   int64 `json:"to_version"`

	Status *RunStatus `json:"status,omitempty"`

	// Context contains only changed, added or deleted keys.
	// For deletions, the key is present with a nil value.
	Context map[string]any `json:"context,omitempty"`

	// Nodes contains node executions whose status or attempt changed.
	Nodes map[string]NodeStatus `json:"nodes,omitempty"`

	// PathAppended contains node IDs appended to the execution path.
	PathAppended []string `json:"path_appended,omitempty"`
}

// Diff calculates the difference between oldRun and newRun.
// If oldRun is nil, it returns a diff representing the entire newRun (initial load).
func Diff(oldRun, newRun *WorkflowRun) *RunDiff {
	if newRun == nil {
		return nil
	}

	diff := &RunDiff{
		RunID:     newRun.ID,
		ToVersion: newRun.Version,
	}
	if oldRun != nil {
		diff.FromVersion = oldRun.Version
	}

	if oldRun == nil || oldRun.Status != newRun.Status {
		diff.Status = &newRun.Status
	}

	diff.Context = diffContext(oldRun, newRun)
	diff.Nodes = diffNodes(oldRun, newRun)
	diff.PathAppended = diffPath(oldRun, newRun)

	if diff.IsEmpty() {
		return nil
	}
	return diff
}

func diffContext(old *WorkflowRun, new *WorkflowRun) map[string]any {
	delta := make(map[string]any)

	if old == nil {
		for k, v := range new.Context {
			delta[k] = v
		}
	} else {
		for k, newVal := range new.Context {
			oldVal, exists := old.Context[k]
			if !exists || !reflect.DeepEqual(oldVal, newVal) {
				delta[k] = newVal
			}
		}
		for k := range old.Context {
			if _, exists := new.Context[k]; !exists {
				delta[k] = nil
			}
		}
	}

	if len(delta) == 0 {
		return nil
	}
	return delta
}

func diffNodes(old *WorkflowRun, new *WorkflowRun) map[string]NodeStatus {
	delta := make(map[string]NodeStatus)
	for id, exec := range new.Nodes {
		if old == nil {
			delta[id] = exec.Status
			continue
		}
		prev, ok := old.Nodes[id]
		if !ok || prev.Status != exec.Status || prev.Attempt != exec.Attempt {
			delta[id] = exec.Status
		}
	}
	if len(delta) == 0 {
		return nil
	}
	return delta
}

// diffPath assumes the execution path is append-only, which the fold guarantees.
func diffPath(old *WorkflowRun, new *WorkflowRun) []string {
	if old == nil {
		if len(new.ExecutionPath) == 0 {
			return nil
		}
		return new.ExecutionPath
	}
	if len(new.ExecutionPath) > len(old.ExecutionPath) {
		return new.ExecutionPath[len(old.ExecutionPath):]
	}
	return nil
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *RunDiff) IsEmpty() bool {
	return d.Status == nil &&
		len(d.Context) == 0 &&
		len(d.Nodes) == 0 &&
		len(d.PathAppended) == 0
}
