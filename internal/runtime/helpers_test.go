package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

const testTenant = "acme"

type staticDefinitions map[string]*domain.WorkflowDefinition

func (s staticDefinitions) Get(_ context.Context, tenantID, id string) (*domain.WorkflowDefinition, error) {
	def, ok := s[tenantID+"/"+id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", tenantID, id, domain.ErrDefinitionNotFound)
	}
	return def, nil
}

func definitions(defs ...*domain.WorkflowDefinition) staticDefinitions {
	s := make(staticDefinitions, len(defs))
	for _, d := range defs {
		s[d.TenantID+"/"+d.ID] = d
	}
	return s
}

// stubHandlers records every call so tests can assert on ordering.
type stubHandlers struct {
	mu            sync.Mutex
	executors     map[string]ports.NodeExecutor
	compensations map[string]ports.CompensationHandler
	compensated   []string
}

func newStubHandlers() *stubHandlers {
	return &stubHandlers{
		executors:     make(map[string]ports.NodeExecutor),
		compensations: make(map[string]ports.CompensationHandler),
	}
}

func (h *stubHandlers) ResolveExecutor(nodeType string) (ports.NodeExecutor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.executors[nodeType]
	return e, ok
}

func (h *stubHandlers) ResolveCompensation(name string) (ports.CompensationHandler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.compensations[name]
	return c, ok
}

func (h *stubHandlers) onExecute(nodeType string, fn ports.NodeExecutorFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executors[nodeType] = fn
}

// recordUndo registers a compensation that records the node ID and returns err.
func (h *stubHandlers) recordUndo(name string, err error) {
	h.onUndo(name, func(_ context.Context, req ports.CompensationRequest) error {
		h.mu.Lock()
		h.compensated = append(h.compensated, req.NodeID)
		h.mu.Unlock()
		return err
	})
}

func (h *stubHandlers) onUndo(name string, fn ports.CompensationHandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.compensations[name] = fn
}

func (h *stubHandlers) undone() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.compensated...)
}

// echo completes every node with {<node_id>: "done"}.
func echo(_ context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
	return ports.NodeResult{Output: map[string]any{req.NodeID: "done"}}, nil
}

type testEnv struct {
	engine   *Engine
	ledger   *memory.Ledger
	store    *memory.Store
	handlers *stubHandlers
}

func newTestEnv(t *testing.T, def *domain.WorkflowDefinition, opts ...EngineOption) *testEnv {
	t.Helper()
	env := &testEnv{
		ledger:   memory.NewLedger(),
		store:    memory.NewStore(),
		handlers: newStubHandlers(),
	}
	env.handlers.onExecute("task", echo)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	base := []EngineOption{WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	})}
	env.engine = NewEngine(env.ledger, env.store, definitions(def), env.handlers, append(base, opts...)...)
	return env
}

func (env *testEnv) start(t *testing.T, def *domain.WorkflowDefinition, input map[string]any) *domain.WorkflowRun {
	t.Helper()
	run, err := env.engine.StartRun(context.Background(), StartRequest{TenantID: def.TenantID, DefinitionID: def.ID, Input: input})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return run
}

func node(id string, deps ...string) domain.NodeDefinition {
	return domain.NodeDefinition{ID: id, Type: "task", DependsOn: deps}
}

func withConfig(n domain.NodeDefinition, config map[string]any) domain.NodeDefinition {
	n.Config = config
	return n
}

func workflow(id string, nodes ...domain.NodeDefinition) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:       id,
		TenantID: testTenant,
		Version:  1,
		Active:   true,
		Nodes:    nodes,
	}
}

// eventLog builds a well-formed event sequence for fold tests.
type eventLog struct {
	runID  string
	events []*domain.ExecutionEvent
	at     time.Time
}

func newEventLog(runID string) *eventLog {
	return &eventLog{runID: runID, at: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (l *eventLog) add(ev *domain.ExecutionEvent) *domain.ExecutionEvent {
	l.at = l.at.Add(time.Second)
	ev.ID = fmt.Sprintf("%s-%d", l.runID, len(l.events)+1)
	ev.Sequence = int64(len(l.events) + 1)
	ev.OccurredAt = l.at
	l.events = append(l.events, ev)
	return ev
}

// complete appends the scheduled/started/completed triple for one node.
func (l *eventLog) complete(nodeID string, output map[string]any) {
	l.add(domain.NewNodeScheduled(l.runID, nodeID, 1))
	l.add(domain.NewNodeStarted(l.runID, nodeID, 1))
	l.add(domain.NewNodeCompleted(l.runID, nodeID, output))
}
