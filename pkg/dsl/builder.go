package dsl

import (
	"fmt"
	"time"

	"github.com/aretw0/lattice/internal/validator"
	"github.com/aretw0/lattice/pkg/domain"
)

// Builder manages the workflow definition construction.
type Builder struct {
	def   domain.WorkflowDefinition
	nodes []*NodeBuilder
	index map[string]*NodeBuilder
}

// New creates a new definition builder. Definitions start active at version 1.
func New(id string) *Builder {
	return &Builder{
		def: domain.WorkflowDefinition{
			ID:      id,
			Version: 1,
			Active:  true,
		},
		index: make(map[string]*NodeBuilder),
	}
}

// Name sets the human readable name.
func (b *Builder) Name(name string) *Builder {
	b.def.Name = name
	return b
}

// Description sets the description.
func (b *Builder) Description(text string) *Builder {
	b.def.Description = text
	return b
}

// Version sets the definition version.
func (b *Builder) Version(v int) *Builder {
	b.def.Version = v
	return b
}

// Inactive marks the definition as retired.
func (b *Builder) Inactive() *Builder {
	b.def.Active = false
	return b
}

// Input declares an expected run input field and its type string.
func (b *Builder) Input(name, typ string) *Builder {
	if b.def.Inputs == nil {
		b.def.Inputs = make(map[string]string)
	}
	b.def.Inputs[name] = typ
	return b
}

// Output declares a workflow output read from a context variable.
func (b *Builder) Output(name, contextVar string) *Builder {
	if b.def.Outputs == nil {
		b.def.Outputs = make(map[string]string)
	}
	b.def.Outputs[name] = contextVar
	return b
}

// Edge adds an informational edge between two nodes.
func (b *Builder) Edge(from, to string) *Builder {
	b.def.Edges = append(b.def.Edges, domain.Edge{From: from, To: to})
	return b
}

// Compensation enables saga compensation with the given strategy.
func (b *Builder) Compensation(strategy domain.CompensationStrategy, opts ...CompensationOption) *Builder {
	p := &domain.CompensationPolicy{Enabled: true, Strategy: strategy}
	for _, opt := range opts {
		opt(p)
	}
	b.def.Compensation = p
	return b
}

// CompensationOption tunes the compensation policy.
type CompensationOption func(*domain.CompensationPolicy)

// StepTimeout bounds each compensation step.
func StepTimeout(d time.Duration) CompensationOption {
	return func(p *domain.CompensationPolicy) {
		p.Timeout = d
	}
}

// FailFast stops a sequential unwind at the first failed step.
func FailFast() CompensationOption {
	return func(p *domain.CompensationPolicy) {
		p.FailOnCompensationError = true
	}
}

// Add creates a new node in the definition.
// If the node already exists, it returns the existing builder.
func (b *Builder) Add(id string) *NodeBuilder {
	if nb, ok := b.index[id]; ok {
		return nb
	}
	nb := &NodeBuilder{
		node:    domain.NodeDefinition{ID: id},
		builder: b,
	}
	b.index[id] = nb
	b.nodes = append(b.nodes, nb)
	return nb
}

// Build assembles and validates the definition. Nodes keep the order they were added in.
func (b *Builder) Build() (*domain.WorkflowDefinition, error) {
	def := b.def
	def.Nodes = make([]domain.NodeDefinition, 0, len(b.nodes))
	for _, nb := range b.nodes {
		def.Nodes = append(def.Nodes, nb.Build())
	}

	out := def.Clone()
	if err := validator.ValidateDefinition(out); err != nil {
		return nil, fmt.Errorf("failed to build definition %s: %w", def.ID, err)
	}
	return out, nil
}

// MustBuild is Build that panics on an invalid definition. Meant for tests and static graphs.
func (b *Builder) MustBuild() *domain.WorkflowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
