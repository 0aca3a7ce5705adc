package domain

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestDiff(t *testing.T) {
	running := RunRunning
	completed := RunCompleted

	tests := []struct {
		name     string
		old      *WorkflowRun
		new      *WorkflowRun
		wantDiff *RunDiff // nil means we expect no diff
	}{
		{
			name: "Initial Load (Old is Nil)",
			old:  nil,
			new: &WorkflowRun{
				ID:            "run-1",
				Version:       2,
				Status:        RunRunning,
				Context:       map[string]any{"a": 1},
				Nodes:         map[string]*NodeExecution{"A": {NodeID: "A", Status: NodePending, Attempt: 1}},
				ExecutionPath: []string{"A"},
			},
			wantDiff: &RunDiff{
				RunID:        "run-1",
				ToVersion:    2,
				Status:       &running,
				Context:      map[string]any{"a": 1},
				Nodes:        map[string]NodeStatus{"A": NodePending},
				PathAppended: []string{"A"},
			},
		},
		{
			name: "No Changes",
			old: &WorkflowRun{
				ID:      "run-1",
				Version: 2,
				Status:  RunRunning,
				Context: map[string]any{"a": 1},
			},
			new: &WorkflowRun{
				ID:      "run-1",
				Version: 2,
				Status:  RunRunning,
				Context: map[string]any{"a": 1},
			},
			wantDiff: nil,
		},
		{
			name: "Status Change",
			old:  &WorkflowRun{ID: "run-1", Version: 5, Status: RunRunning},
			new:  &WorkflowRun{ID: "run-1", Version: 6, Status: RunCompleted},
			wantDiff: &RunDiff{
				RunID:       "run-1",
				FromVersion: 5,
				ToVersion:   6,
				Status:      &completed,
			},
		},
		{
			name: "Node Progress And Path Append",
			old: &WorkflowRun{
				ID:            "run-1",
				Status:        RunRunning,
				Nodes:         map[string]*NodeExecution{"A": {NodeID: "A", Status: NodeRunning, Attempt: 1}},
				ExecutionPath: []string{"A"},
			},
			new: &WorkflowRun{
				ID:     "run-1",
				Status: RunRunning,
				Nodes: map[string]*NodeExecution{
					"A": {NodeID: "A", Status: NodeCompleted, Attempt: 1},
					"B": {NodeID: "B", Status: NodePending, Attempt: 1},
				},
				ExecutionPath: []string{"A", "B"},
			},
			wantDiff: &RunDiff{
				RunID:        "run-1",
				Nodes:        map[string]NodeStatus{"A": NodeCompleted, "B": NodePending},
				PathAppended: []string{"B"},
			},
		},
		{
			name: "Context Deletion",
			old:  &WorkflowRun{Context: map[string]any{"a": 1, "b": 2}},
			new:  &WorkflowRun{Context: map[string]any{"a": 1}},
			wantDiff: &RunDiff{
				Context: map[string]any{"b": nil},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.new)
			if tt.wantDiff == nil {
				if got != nil {
					t.Errorf("Diff() = %v, want nil", got)
				}
				return
			}

			if got == nil {
				t.Fatalf("Diff() = nil, want %v", tt.wantDiff)
			}

			if got.RunID != tt.wantDiff.RunID {
				t.Errorf("Diff().RunID = %v, want %v", got.RunID, tt.wantDiff.RunID)
			}
			if got.FromVersion != tt.wantDiff.FromVersion || got.ToVersion != tt.wantDiff.ToVersion {
				t.Errorf("Diff() versions = %d..%d, want %d..%d", got.FromVersion, got.ToVersion, tt.wantDiff.FromVersion, tt.wantDiff.ToVersion)
			}
			if !reflect.DeepEqual(got.Context, tt.wantDiff.Context) {
				t.Errorf("Diff().Context = %v, want %v", got.Context, tt.wantDiff.Context)
			}
			if !reflect.DeepEqual(got.Nodes, tt.wantDiff.Nodes) {
				t.Errorf("Diff().Nodes = %v, want %v", got.Nodes, tt.wantDiff.Nodes)
			}
			if !reflect.DeepEqual(got.PathAppended, tt.wantDiff.PathAppended) {
				t.Errorf("Diff().PathAppended = %v, want %v", got.PathAppended, tt.wantDiff.PathAppended)
			}
			if !equalPtr(got.Status, tt.wantDiff.Status) {
				t.Errorf("Diff().Status = %v, want %v", got.Status, tt.wantDiff.Status)
			}
		})
	}
}

func TestDiffJSONSerialization(t *testing.T) {
	t.Run("Empty Context Omitted", func(t *testing.T) {
		r1 := &WorkflowRun{Status: RunRunning, Context: map[string]any{"a": 1}}
		r2 := &WorkflowRun{Status: RunSuspended, Context: map[string]any{"a": 1}}
		diff := Diff(r1, r2)

		if diff == nil {
			t.Fatal("Expected diff, got nil")
		}
		bytes, _ := json.Marshal(diff)
		if strings.Contains(string(bytes), `"context"`) {
			t.Errorf("JSON should not contain 'context' when empty, got: %s", string(bytes))
		}
	})

	t.Run("Deletions as Null", func(t *testing.T) {
		r1 := &WorkflowRun{Context: map[string]any{"a": 1, "b": 2}}
		r2 := &WorkflowRun{Context: map[string]any{"a": 1}}
		diff := Diff(r1, r2)

		if diff == nil {
			t.Fatal("Expected diff, got nil")
		}

		bytes, _ := json.Marshal(diff)
		if !strings.Contains(string(bytes), `"b":null`) {
			t.Errorf("JSON should contain 'b':null for deletion, got: %s", string(bytes))
		}
	})
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
