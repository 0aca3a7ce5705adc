package runtime

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runWith(nodes map[string]domain.NodeStatus) *domain.WorkflowRun {
	run := &domain.WorkflowRun{
		ID:      "run-1",
		Status:  domain.RunRunning,
		Context: map[string]any{},
		Nodes:   make(map[string]*domain.NodeExecution, len(nodes)),
	}
	for id, status := range nodes {
		run.Nodes[id] = &domain.NodeExecution{NodeID: id, Status: status, Attempt: 1}
	}
	return run
}

func TestPlanNextExecution_Scenarios(t *testing.T) {
	diamond := workflow("diamond", node("a"), node("b", "a"), node("c", "a"), node("d", "b", "c"))

	tests := []struct {
		name     string
		def      *domain.WorkflowDefinition
		nodes    map[string]domain.NodeStatus
		status   domain.RunStatus
		ready    []string
		inFlight []string
		complete bool
		stuck    bool
	}{
		{
			name:  "fresh run schedules roots",
			def:   diamond,
			ready: []string{"a"},
		},
		{
			name:  "fan out after root completes",
			def:   diamond,
			nodes: map[string]domain.NodeStatus{"a": domain.NodeCompleted},
			ready: []string{"b", "c"},
		},
		{
			name:     "join waits for every dependency",
			def:      diamond,
			nodes:    map[string]domain.NodeStatus{"a": domain.NodeCompleted, "b": domain.NodeCompleted, "c": domain.NodeRunning},
			ready:    []string{},
			inFlight: []string{"c"},
			stuck:    true,
		},
		{
			name:  "join ready",
			def:   diamond,
			nodes: map[string]domain.NodeStatus{"a": domain.NodeCompleted, "b": domain.NodeCompleted, "c": domain.NodeCompleted},
			ready: []string{"d"},
		},
		{
			name:     "all completed",
			def:      diamond,
			nodes:    map[string]domain.NodeStatus{"a": domain.NodeCompleted, "b": domain.NodeCompleted, "c": domain.NodeCompleted, "d": domain.NodeCompleted},
			ready:    []string{},
			complete: true,
		},
		{
			name:  "retrying node is ready again",
			def:   diamond,
			nodes: map[string]domain.NodeStatus{"a": domain.NodeRetrying},
			ready: []string{"a"},
		},
		{
			name:  "failed dependency deadlocks",
			def:   diamond,
			nodes: map[string]domain.NodeStatus{"a": domain.NodeCompleted, "b": domain.NodeFailed, "c": domain.NodeCompleted},
			ready: []string{},
			stuck: true,
		},
		{
			name:   "suspended run is never stuck",
			def:    diamond,
			nodes:  map[string]domain.NodeStatus{"a": domain.NodeRunning},
			status: domain.RunSuspended,
			ready:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := runWith(tt.nodes)
			if tt.status != "" {
				run.Status = tt.status
			}
			plan := PlanNextExecution(run, tt.def)

			assert.Equal(t, tt.ready, plan.ReadyNodes)
			if tt.inFlight != nil {
				assert.Equal(t, tt.inFlight, plan.InFlight)
			}
			assert.Equal(t, tt.complete, plan.IsComplete)
			assert.Equal(t, tt.stuck, plan.IsStuck)
		})
	}
}

func TestPlanNextExecution_DeadlockNeedsNothingInFlight(t *testing.T) {
	def := workflow("wf", node("a"), node("b", "a"), node("c"))

	waiting := PlanNextExecution(runWith(map[string]domain.NodeStatus{"a": domain.NodeRunning, "c": domain.NodeCompleted}), def)
	assert.True(t, waiting.IsStuck)
	assert.False(t, waiting.Deadlocked())

	dead := PlanNextExecution(runWith(map[string]domain.NodeStatus{"a": domain.NodeFailed, "c": domain.NodeCompleted}), def)
	assert.True(t, dead.Deadlocked())
	assert.Equal(t, []string{"a", "b"}, blockedNodes(runWith(map[string]domain.NodeStatus{"a": domain.NodeFailed, "c": domain.NodeCompleted}), def))
}

func TestPlanNextExecution_Outputs(t *testing.T) {
	def := workflow("wf", node("a"))
	def.Outputs = map[string]string{"total": "amount", "missing": "nope"}

	run := runWith(map[string]domain.NodeStatus{"a": domain.NodeCompleted})
	run.Context["amount"] = 99

	plan := PlanNextExecution(run, def)
	require.True(t, plan.IsComplete)
	assert.Equal(t, map[string]any{"total": 99}, plan.Outputs)
}

func TestPlanNextExecution_DoesNotMutate(t *testing.T) {
	def := workflow("wf", node("a"), node("b", "a"))
	run := runWith(map[string]domain.NodeStatus{"a": domain.NodeCompleted})
	before := run.Clone()

	first := PlanNextExecution(run, def)
	second := PlanNextExecution(run, def)

	assert.Equal(t, before, run)
	assert.Equal(t, first, second)
}

// Every ready node has its dependencies completed and was never scheduled
// (or is retrying), over randomly generated DAGs and states.
func TestPlanNextExecution_ReadyNodesProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	statuses := []domain.NodeStatus{"", domain.NodePending, domain.NodeRunning, domain.NodeRetrying, domain.NodeCompleted, domain.NodeFailed}

	for i := 0; i < 200; i++ {
		n := 2 + rng.Intn(8)
		nodes := make([]domain.NodeDefinition, n)
		for j := 0; j < n; j++ {
			var deps []string
			for k := 0; k < j; k++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("n%d", k))
				}
			}
			nodes[j] = node(fmt.Sprintf("n%d", j), deps...)
		}
		def := workflow("random", nodes...)

		state := make(map[string]domain.NodeStatus)
		for _, nd := range nodes {
			if s := statuses[rng.Intn(len(statuses))]; s != "" {
				state[nd.ID] = s
			}
		}
		run := runWith(state)
		plan := PlanNextExecution(run, def)

		for _, id := range plan.ReadyNodes {
			nd, ok := def.Node(id)
			require.True(t, ok)
			s := run.NodeStatusOf(id)
			assert.True(t, s == "" || s == domain.NodeRetrying, "ready node %s has status %s", id, s)
			if s == "" {
				for _, dep := range nd.DependsOn {
					assert.Equal(t, domain.NodeCompleted, run.NodeStatusOf(dep), "ready node %s has unfinished dependency %s", id, dep)
				}
			}
		}
		if plan.IsComplete {
			assert.Empty(t, plan.ReadyNodes)
			assert.Empty(t, plan.InFlight)
		}
		assert.Equal(t, len(plan.ReadyNodes) == 0 && !plan.IsComplete, plan.IsStuck)
	}
}
