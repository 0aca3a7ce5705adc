package dsl

import (
	"time"

	"github.com/aretw0/lattice/pkg/domain"
)

// NodeBuilder provides a fluent API for configuring a node.
type NodeBuilder struct {
	node    domain.NodeDefinition
	builder *Builder
}

// Type sets the node type used to resolve its executor.
func (n *NodeBuilder) Type(nodeType string) *NodeBuilder {
	n.node.Type = nodeType
	return n
}

// After adds dependencies: the node becomes ready once all of them have completed.
func (n *NodeBuilder) After(deps ...string) *NodeBuilder {
	n.node.DependsOn = append(n.node.DependsOn, deps...)
	return n
}

// Set adds an executor-specific config value.
func (n *NodeBuilder) Set(key string, value any) *NodeBuilder {
	if n.node.Config == nil {
		n.node.Config = make(map[string]any)
	}
	n.node.Config[key] = value
	return n
}

// Undo names the compensation handler that reverts this node's effect.
func (n *NodeBuilder) Undo(handler string, args map[string]any) *NodeBuilder {
	if args == nil {
		return n.Set(domain.KeyCompensation, handler)
	}
	return n.Set(domain.KeyCompensation, map[string]any{
		"handler": handler,
		"args":    args,
	})
}

// Retry sets the attempt budget of the node.
func (n *NodeBuilder) Retry(maxAttempts int) *NodeBuilder {
	return n.Set(domain.KeyRetry, map[string]any{"max_attempts": maxAttempts})
}

// Timeout bounds each attempt of the node.
func (n *NodeBuilder) Timeout(d time.Duration) *NodeBuilder {
	return n.Set(domain.KeyTimeout, d.String())
}

// Add continues with another node of the same definition.
func (n *NodeBuilder) Add(id string) *NodeBuilder {
	return n.builder.Add(id)
}

// Build returns the underlying domain.NodeDefinition.
// This is primarily used by the Builder, but exposed for advanced usage.
func (n *NodeBuilder) Build() domain.NodeDefinition {
	return n.node
}
