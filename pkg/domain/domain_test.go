package domain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionEvent_Validate(t *testing.T) {
	t.Run("Payload Matches Kind", func(t *testing.T) {
		ev := domain.NewNodeCompleted("run-1", "A", map[string]any{"ok": true})
		assert.NoError(t, ev.Validate())
		assert.Equal(t, "A", ev.NodeID())
	})

	t.Run("Missing Payload", func(t *testing.T) {
		ev := &domain.ExecutionEvent{RunID: "run-1", Kind: domain.EventNodeFailed}
		assert.Error(t, ev.Validate())
	})

	t.Run("Unknown Kind", func(t *testing.T) {
		ev := &domain.ExecutionEvent{RunID: "run-1", Kind: "teleported"}
		assert.ErrorContains(t, ev.Validate(), "unknown event kind")
	})

	t.Run("Missing Run", func(t *testing.T) {
		ev := domain.NewWorkflowCancelled("", "bye")
		assert.Error(t, ev.Validate())
	})
}

func TestErrors_MatchSentinels(t *testing.T) {
	var err error = &domain.VersionConflictError{RunID: "r", Expected: 5, Actual: 6}
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	err = &domain.SequenceConflictError{RunID: "r", Sequence: 3, Last: 3}
	assert.ErrorIs(t, err, domain.ErrSequenceConflict)

	err = &domain.InvalidDefinitionError{DefinitionID: "wf", Problems: []string{"a", "b"}}
	assert.ErrorIs(t, err, domain.ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "a; b")

	err = &domain.StuckWorkflowError{RunID: "r", Blocked: []string{"B"}}
	assert.ErrorIs(t, err, domain.ErrStuckWorkflow)

	cause := errors.New("boom")
	err = &domain.NodeError{NodeID: "A", Attempt: 2, Err: cause}
	assert.ErrorIs(t, err, domain.ErrNodeExecution)
	assert.ErrorIs(t, err, cause)
}

func TestCompensationResult_Err(t *testing.T) {
	ok := domain.CompensationResult{Success: true}
	assert.NoError(t, ok.Err("run-1"))

	failed := domain.CompensationResult{
		Failures: []domain.CompensationFailure{{NodeID: "B", Error: "refund rejected"}},
	}
	err := failed.Err("run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCompensationFailed)

	var compErr *domain.CompensationError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, "refund rejected", compErr.Failures["B"])
	assert.Equal(t, []string{"B"}, failed.Failed())
}

func TestWorkflowRun_Clone(t *testing.T) {
	run := &domain.WorkflowRun{
		ID:      "run-1",
		Status:  domain.RunRunning,
		Context: map[string]any{"nested": map[string]any{"k": "v"}},
		Nodes: map[string]*domain.NodeExecution{
			"A": {NodeID: "A", Status: domain.NodeCompleted, Output: map[string]any{"x": 1}},
		},
		ExecutionPath:   []string{"A"},
		CompletionOrder: []string{"A"},
		CreatedAt:       time.Now().UTC(),
	}

	clone := run.Clone()
	clone.Nodes["A"].Status = domain.NodeFailed
	clone.Context["nested"].(map[string]any)["k"] = "changed"
	clone.ExecutionPath[0] = "Z"

	assert.Equal(t, domain.NodeCompleted, run.Nodes["A"].Status)
	assert.Equal(t, "v", run.Context["nested"].(map[string]any)["k"])
	assert.Equal(t, "A", run.ExecutionPath[0])
}

func TestWorkflowDefinition_Clone(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID:           "wf",
		Nodes:        []domain.NodeDefinition{{ID: "A", Config: map[string]any{"compensation": "undo_a"}}},
		Compensation: &domain.CompensationPolicy{Enabled: true, Strategy: domain.StrategySequential},
	}

	clone := def.Clone()
	clone.Nodes[0].Config["compensation"] = "other"
	clone.Compensation.Enabled = false

	assert.Equal(t, "undo_a", def.Nodes[0].Config["compensation"])
	assert.True(t, def.CompensationEnabled())
	assert.False(t, clone.CompensationEnabled())
}

func TestLifecycleHooks_Merge(t *testing.T) {
	var calls []string
	a := domain.LifecycleHooks{OnRunFinished: func(_ context.Context, _ *domain.WorkflowRun) { calls = append(calls, "a") }}
	b := domain.LifecycleHooks{OnRunFinished: func(_ context.Context, _ *domain.WorkflowRun) { calls = append(calls, "b") }}

	merged := a.Merge(b)
	merged.OnRunFinished(context.Background(), &domain.WorkflowRun{})

	assert.Equal(t, []string{"a", "b"}, calls)
	assert.Nil(t, merged.OnStuck)
}
