package validator

import (
	"fmt"
	"sort"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/schema"
)

// ValidateDefinition checks a workflow graph for duplicate or empty node IDs, dangling
// dependencies and edges, dependency cycles and empty output mappings. Every problem
// found is reported in a single *domain.InvalidDefinitionError.
func ValidateDefinition(def *domain.WorkflowDefinition) error {
	if def == nil {
		return &domain.InvalidDefinitionError{Problems: []string{"definition is nil"}}
	}

	var problems []string
	if def.ID == "" {
		problems = append(problems, "definition id is required")
	}
	if len(def.Nodes) == 0 {
		problems = append(problems, "definition has no nodes")
	}

	known := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		switch {
		case n.ID == "":
			problems = append(problems, fmt.Sprintf("node #%d has no id", i))
		case known[n.ID]:
			problems = append(problems, fmt.Sprintf("duplicate node id '%s'", n.ID))
		}
		known[n.ID] = true
	}

	for _, n := range def.Nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				problems = append(problems, fmt.Sprintf("node '%s' depends on itself", n.ID))
				continue
			}
			if !known[dep] {
				problems = append(problems, fmt.Sprintf("node '%s' depends on missing node '%s'", n.ID, dep))
			}
		}
	}

	for _, e := range def.Edges {
		if !known[e.From] {
			problems = append(problems, fmt.Sprintf("edge %s -> %s: missing source node", e.From, e.To))
		}
		if !known[e.To] {
			problems = append(problems, fmt.Sprintf("edge %s -> %s: missing target node", e.From, e.To))
		}
	}

	if cyclic := findCycle(def); len(cyclic) > 0 {
		problems = append(problems, fmt.Sprintf("dependency cycle between nodes %v", cyclic))
	}

	if _, err := schema.ParseTypeMap(def.Inputs); err != nil {
		problems = append(problems, fmt.Sprintf("inputs: %v", err))
	}

	names := make([]string, 0, len(def.Outputs))
	for name := range def.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if def.Outputs[name] == "" {
			problems = append(problems, fmt.Sprintf("output '%s' maps to no context variable", name))
		}
	}

	if len(problems) > 0 {
		return &domain.InvalidDefinitionError{DefinitionID: def.ID, Problems: problems}
	}
	return nil
}

// findCycle peels off nodes whose dependencies are all resolved, queue style. Whatever
// is left over sits on, or behind, a cycle. Dangling dependencies are ignored here.
func findCycle(def *domain.WorkflowDefinition) []string {
	known := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		known[n.ID] = true
	}

	pending := make(map[string]int, len(def.Nodes))
	dependents := make(map[string][]string)
	for _, n := range def.Nodes {
		if _, dup := pending[n.ID]; dup {
			continue
		}
		pending[n.ID] = 0
		for _, dep := range n.DependsOn {
			if !known[dep] || dep == n.ID {
				continue
			}
			pending[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var queue []string
	for _, n := range def.Nodes {
		if pending[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := make(map[string]bool, len(def.Nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if visited[current] {
			continue
		}
		visited[current] = true

		for _, next := range dependents[current] {
			pending[next]--
			if pending[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	var left []string
	for id := range pending {
		if !visited[id] {
			left = append(left, id)
		}
	}
	sort.Strings(left)
	return left
}
