package domain

import (
	"maps"
	"slices"
	"time"
)

// CompensationStrategy selects how the saga coordinator unwinds completed nodes.
type CompensationStrategy string

const (
	StrategySequential CompensationStrategy = "SEQUENTIAL"
	StrategyParallel   CompensationStrategy = "PARALLEL"
	// StrategyCustom delegates to caller-supplied logic and degrades to
	// StrategySequential when none is configured.
	StrategyCustom CompensationStrategy = "CUSTOM"
)

// CompensationPolicy configures the saga behavior of a workflow definition.
type CompensationPolicy struct {
	Enabled  bool                 `json:"enabled" yaml:"enabled"`
	Strategy CompensationStrategy `json:"strategy" yaml:"strategy"`

	// Timeout bounds each individual node compensation. Zero means no deadline.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// FailOnCompensationError stops a sequential unwind at the first failed step.
	FailOnCompensationError bool `json:"fail_on_compensation_error" yaml:"fail_on_compensation_error"`
}

// NodeDefinition is a single step of a workflow graph.
type NodeDefinition struct {
	ID        string   `json:"id" yaml:"id"`
	Type      string   `json:"type,omitempty" yaml:"type,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Config is opaque to the engine and interpreted by the node executor.
	// The engine reads only the reserved keys declared in constants.go.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge is an explicit connection between two nodes. Edges are informational
// (visualization, validation); scheduling is driven by DependsOn.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// WorkflowDefinition is an immutable, published workflow graph.
type WorkflowDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	TenantID    string           `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int              `json:"version" yaml:"version"`
	Active      bool             `json:"active" yaml:"active"`
	Nodes       []NodeDefinition `json:"nodes" yaml:"nodes"`
	Edges       []Edge           `json:"edges,omitempty" yaml:"edges,omitempty"`

	// Inputs maps each expected input field to a type string ("string", "[int]", "object?").
	Inputs map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Outputs maps a declared output name to the context variable it is read from.
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	Compensation *CompensationPolicy `json:"compensation,omitempty" yaml:"compensation,omitempty"`
}

// Node returns the node definition with the given ID.
func (d *WorkflowDefinition) Node(id string) (NodeDefinition, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDefinition{}, false
}

// CompensationEnabled reports whether a failed run of this definition must be unwound.
func (d *WorkflowDefinition) CompensationEnabled() bool {
	return d.Compensation != nil && d.Compensation.Enabled
}

// Clone returns a deep copy so that cached definitions are never shared mutably.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	c := *d
	c.Nodes = make([]NodeDefinition, len(d.Nodes))
	for i, n := range d.Nodes {
		c.Nodes[i] = NodeDefinition{
			ID:        n.ID,
			Type:      n.Type,
			DependsOn: slices.Clone(n.DependsOn),
			Config:    CloneMap(n.Config),
		}
	}
	c.Edges = slices.Clone(d.Edges)
	c.Inputs = maps.Clone(d.Inputs)
	c.Outputs = maps.Clone(d.Outputs)
	if d.Compensation != nil {
		p := *d.Compensation
		c.Compensation = &p
	}
	return &c
}

// CloneMap deep-copies the nested maps and slices produced by JSON/YAML decoding.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
