package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/lattice/pkg/ports"
)

// Handlers maps node types to executors and compensation-handler names to handlers.
type Handlers struct {
	mu            sync.RWMutex
	executors     map[string]ports.NodeExecutor
	compensations map[string]ports.CompensationHandler
	fallback      ports.NodeExecutor
}

// NewHandlers creates a new empty handler set.
func NewHandlers() *Handlers {
	return &Handlers{
		executors:     make(map[string]ports.NodeExecutor),
		compensations: make(map[string]ports.CompensationHandler),
	}
}

// RegisterExecutor adds an executor for a node type.
// If an executor for the same type exists, it is overwritten.
func (h *Handlers) RegisterExecutor(nodeType string, e ports.NodeExecutor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executors[nodeType] = e
}

// RegisterExecutorFunc is RegisterExecutor for a plain function.
func (h *Handlers) RegisterExecutorFunc(nodeType string, fn func(context.Context, ports.NodeRequest) (ports.NodeResult, error)) {
	h.RegisterExecutor(nodeType, ports.NodeExecutorFunc(fn))
}

// SetFallback sets the executor used for node types without a registration.
func (h *Handlers) SetFallback(e ports.NodeExecutor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallback = e
}

// RegisterCompensation adds a compensation handler under name.
func (h *Handlers) RegisterCompensation(name string, c ports.CompensationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.compensations[name] = c
}

// RegisterCompensationFunc is RegisterCompensation for a plain function.
func (h *Handlers) RegisterCompensationFunc(name string, fn func(context.Context, ports.CompensationRequest) error) {
	h.RegisterCompensation(name, ports.CompensationHandlerFunc(fn))
}

// ResolveExecutor returns the executor for nodeType, or the fallback.
func (h *Handlers) ResolveExecutor(nodeType string) (ports.NodeExecutor, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.executors[nodeType]; ok {
		return e, true
	}
	if h.fallback != nil {
		return h.fallback, true
	}
	return nil, false
}

// ResolveCompensation returns the handler registered under name.
func (h *Handlers) ResolveCompensation(name string) (ports.CompensationHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.compensations[name]
	return c, ok
}

// Execute looks up the executor by node type and runs it.
// Returns an error if no executor is registered.
func (h *Handlers) Execute(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
	e, ok := h.ResolveExecutor(req.NodeType)
	if !ok {
		return ports.NodeResult{}, fmt.Errorf("executor not found: %s", req.NodeType)
	}
	return e.Execute(ctx, req)
}

// NodeTypes lists the registered node types, sorted.
func (h *Handlers) NodeTypes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.executors))
	for t := range h.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
