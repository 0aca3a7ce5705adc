package runtime

import "github.com/aretw0/lattice/pkg/domain"

// ExecutionPlan is the planner's view of what a run may do next.
type ExecutionPlan struct {
	// ReadyNodes are eligible for scheduling, in definition order.
	ReadyNodes []string

	// InFlight are scheduled or running nodes whose outcome is still unknown.
	InFlight []string

	IsComplete bool

	// IsStuck is set when nothing is ready, the run is not complete and it is RUNNING.
	// Callers treat it as a deadlock only when InFlight is empty as well.
	IsStuck bool

	Outputs map[string]any
}

// Deadlocked reports whether the run can make no progress at all.
func (p ExecutionPlan) Deadlocked() bool {
	return p.IsStuck && len(p.InFlight) == 0
}

// PlanNextExecution computes the next eligible nodes of a run. It performs no I/O and
// never mutates its inputs, so it can be called speculatively and repeatedly.
func PlanNextExecution(run *domain.WorkflowRun, def *domain.WorkflowDefinition) ExecutionPlan {
	plan := ExecutionPlan{
		ReadyNodes: []string{},
		InFlight:   []string{},
		IsComplete: true,
	}

	for _, node := range def.Nodes {
		exec, scheduled := run.Nodes[node.ID]
		if !scheduled || exec.Status != domain.NodeCompleted {
			plan.IsComplete = false
		}

		switch {
		case !scheduled:
			if dependenciesCompleted(run, node) {
				plan.ReadyNodes = append(plan.ReadyNodes, node.ID)
			}
		case exec.Status == domain.NodeRetrying:
			plan.ReadyNodes = append(plan.ReadyNodes, node.ID)
		case exec.Status == domain.NodePending || exec.Status == domain.NodeRunning:
			plan.InFlight = append(plan.InFlight, node.ID)
		}
	}

	if plan.IsComplete {
		plan.ReadyNodes = plan.ReadyNodes[:0]
	}
	plan.IsStuck = len(plan.ReadyNodes) == 0 && !plan.IsComplete && run.Status == domain.RunRunning

	if len(def.Outputs) > 0 {
		plan.Outputs = make(map[string]any, len(def.Outputs))
		for name, variable := range def.Outputs {
			if v, ok := run.Context[variable]; ok {
				plan.Outputs[name] = v
			}
		}
	}
	return plan
}

func dependenciesCompleted(run *domain.WorkflowRun, node domain.NodeDefinition) bool {
	for _, dep := range node.DependsOn {
		if run.NodeStatusOf(dep) != domain.NodeCompleted {
			return false
		}
	}
	return true
}

// blockedNodes lists the unfinished nodes that can never become ready, either because
// they failed terminally or because a dependency did.
func blockedNodes(run *domain.WorkflowRun, def *domain.WorkflowDefinition) []string {
	var blocked []string
	for _, node := range def.Nodes {
		switch run.NodeStatusOf(node.ID) {
		case domain.NodeCompleted, domain.NodePending, domain.NodeRunning, domain.NodeRetrying:
			continue
		case domain.NodeFailed:
			blocked = append(blocked, node.ID)
		default:
			if !dependenciesCompleted(run, node) {
				blocked = append(blocked, node.ID)
			}
		}
	}
	return blocked
}
