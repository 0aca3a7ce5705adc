package runtime

import (
	"testing"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedLog(def *domain.WorkflowDefinition, input map[string]any) *eventLog {
	l := newEventLog("run-1")
	l.add(domain.NewWorkflowStarted("run-1", def, def.TenantID, input))
	return l
}

func TestApply_FirstEventMustStartRun(t *testing.T) {
	ev := domain.NewNodeScheduled("run-1", "a", 1)
	ev.Sequence = 1
	_, err := Apply(nil, ev)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	start := domain.NewWorkflowStarted("run-1", workflow("wf", node("a")), testTenant, nil)
	start.Sequence = 2
	_, err = Apply(nil, start)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApply_LinearRun(t *testing.T) {
	def := workflow("wf", node("a"), node("b", "a"))
	l := startedLog(def, map[string]any{"order_id": "o-1"})
	l.complete("a", map[string]any{"reserved": true})
	l.complete("b", map[string]any{"charged": 42})
	l.add(domain.NewWorkflowCompleted("run-1", map[string]any{"charged": 42}))

	run, err := Replay(l.events)
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, int64(8), run.Version)
	assert.Equal(t, []string{"a", "b"}, run.ExecutionPath)
	assert.Equal(t, []string{"a", "b"}, run.CompletionOrder)
	assert.Equal(t, "o-1", run.Context["order_id"])
	assert.Equal(t, true, run.Context["reserved"])
	assert.Equal(t, 42, run.Context["charged"])
	assert.Equal(t, domain.NodeCompleted, run.NodeStatusOf("b"))
	assert.False(t, run.CompletedAt.IsZero())
	assert.Equal(t, testTenant, run.TenantID)
}

func TestApply_RejectsOutOfOrderSequence(t *testing.T) {
	def := workflow("wf", node("a"))
	l := startedLog(def, nil)
	run, err := Replay(l.events)
	require.NoError(t, err)

	gap := domain.NewNodeScheduled("run-1", "a", 1)
	gap.Sequence = 3
	_, err = Apply(run, gap)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	dup := domain.NewNodeScheduled("run-1", "a", 1)
	dup.Sequence = 1
	_, err = Apply(run, dup)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	def := workflow("wf", node("a"))
	l := startedLog(def, map[string]any{"k": "v"})
	before, err := Replay(l.events)
	require.NoError(t, err)

	sched := l.add(domain.NewNodeScheduled("run-1", "a", 1))
	after, err := Apply(before, sched)
	require.NoError(t, err)

	assert.Equal(t, int64(1), before.Version)
	assert.Empty(t, before.Nodes)
	assert.Equal(t, int64(2), after.Version)
	assert.Equal(t, domain.NodePending, after.NodeStatusOf("a"))

	after.Context["k"] = "changed"
	assert.Equal(t, "v", before.Context["k"])
}

func TestApply_RetryCycle(t *testing.T) {
	def := workflow("wf", node("a"))
	l := startedLog(def, nil)
	l.add(domain.NewNodeScheduled("run-1", "a", 1))
	l.add(domain.NewNodeStarted("run-1", "a", 1))
	l.add(domain.NewNodeFailed("run-1", "a", 1, domain.ErrorInfo{Code: "X", Message: "flaky"}, true))

	run, err := Replay(l.events)
	require.NoError(t, err)
	require.Equal(t, domain.NodeRetrying, run.NodeStatusOf("a"))
	require.NotNil(t, run.Nodes["a"].Error)

	l.add(domain.NewNodeScheduled("run-1", "a", 2))
	run, err = Replay(l.events)
	require.NoError(t, err)

	exec := run.Nodes["a"]
	assert.Equal(t, domain.NodePending, exec.Status)
	assert.Equal(t, 2, exec.Attempt)
	assert.True(t, exec.StartedAt.IsZero())
	assert.Equal(t, []string{"a", "a"}, run.ExecutionPath)
}

func TestApply_SchedulingTwiceIsRejected(t *testing.T) {
	def := workflow("wf", node("a"))
	l := startedLog(def, nil)
	l.add(domain.NewNodeScheduled("run-1", "a", 1))
	run, err := Replay(l.events)
	require.NoError(t, err)

	again := domain.NewNodeScheduled("run-1", "a", 1)
	again.Sequence = run.Version + 1
	_, err = Apply(run, again)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApply_TerminalRunAcceptsOnlyAuditEvents(t *testing.T) {
	def := workflow("wf", node("a"))
	l := startedLog(def, nil)
	l.add(domain.NewWorkflowCancelled("run-1", "operator"))
	run, err := Replay(l.events)
	require.NoError(t, err)
	require.Equal(t, domain.RunCancelled, run.Status)

	sched := domain.NewNodeScheduled("run-1", "a", 1)
	sched.Sequence = run.Version + 1
	_, err = Apply(run, sched)
	assert.ErrorIs(t, err, domain.ErrTerminalRun)

	note := domain.NewGeneric("run-1", "audit.note", map[string]any{"by": "ops"})
	note.Sequence = run.Version + 1
	next, err := Apply(run, note)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, next.Status)
	assert.Equal(t, run.Version+1, next.Version)
}

func TestApply_SuspendAndResume(t *testing.T) {
	def := workflow("wf", node("approve"))
	l := startedLog(def, nil)
	l.add(domain.NewNodeScheduled("run-1", "approve", 1))
	l.add(domain.NewNodeStarted("run-1", "approve", 1))
	l.add(domain.NewWorkflowSuspended("run-1", "waiting for approval", "approve"))

	run, err := Replay(l.events)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuspended, run.Status)
	assert.Equal(t, "approve", run.WaitingOnNode)

	l.add(domain.NewWorkflowResumed("run-1", "approved", map[string]any{"approved_by": "kim"}))
	l.add(domain.NewNodeCompleted("run-1", "approve", map[string]any{"approved": true}))
	run, err = Replay(l.events)
	require.NoError(t, err)

	assert.Equal(t, domain.RunRunning, run.Status)
	assert.Empty(t, run.WaitingOnNode)
	assert.Empty(t, run.SuspendReason)
	assert.Equal(t, "kim", run.Context["approved_by"])
	assert.Equal(t, true, run.Context["approved"])
}

func TestApply_SuspendOnNodeThatIsNotRunning(t *testing.T) {
	def := workflow("wf", node("a"))
	l := startedLog(def, nil)
	run, err := Replay(l.events)
	require.NoError(t, err)

	ev := domain.NewWorkflowSuspended("run-1", "r", "a")
	ev.Sequence = 2
	_, err = Apply(run, ev)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApply_NestedOutputsMerge(t *testing.T) {
	def := workflow("wf", node("a"), node("b"))
	l := startedLog(def, map[string]any{"customer": map[string]any{"id": "c-1"}})
	l.complete("a", map[string]any{"customer": map[string]any{"tier": "gold"}})

	run, err := Replay(l.events)
	require.NoError(t, err)

	customer, ok := run.Context["customer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c-1", customer["id"])
	assert.Equal(t, "gold", customer["tier"])
}

func TestApply_CompensationLifecycle(t *testing.T) {
	def := workflow("wf", node("a"), node("b", "a"))
	l := startedLog(def, nil)
	l.complete("a", nil)
	l.add(domain.NewWorkflowFailed("run-1", domain.ErrorInfo{Code: "NODE_FAILED", Message: "b failed"}))
	l.add(domain.NewCompensationStarted("run-1", domain.StrategySequential, []string{"a"}))
	l.add(domain.NewNodeCompensated("run-1", "a", nil))
	l.add(domain.NewCompensationFinished("run-1", true, nil, nil))

	run, err := Replay(l.events)
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompensated, run.Status)
	require.NotNil(t, run.Compensation)
	assert.True(t, run.Compensation.Finished())
	assert.Equal(t, []string{"a"}, run.Compensation.Compensated)
	assert.Empty(t, run.Compensation.Pending)
}

func TestApply_FailedCompensation(t *testing.T) {
	def := workflow("wf", node("a"))
	l := startedLog(def, nil)
	l.complete("a", nil)
	l.add(domain.NewWorkflowFailed("run-1", domain.ErrorInfo{Message: "boom"}))
	l.add(domain.NewCompensationStarted("run-1", domain.StrategySequential, []string{"a"}))
	l.add(domain.NewNodeCompensated("run-1", "a", &domain.ErrorInfo{Message: "refund rejected"}))
	l.add(domain.NewCompensationFinished("run-1", false, []string{"a"}, nil))

	run, err := Replay(l.events)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompensationFailed, run.Status)
	assert.Equal(t, "refund rejected", run.Compensation.Failed["a"])
}

func TestApply_CancelledRunStaysCancelledAfterSaga(t *testing.T) {
	def := workflow("wf", node("a"))
	l := startedLog(def, nil)
	l.complete("a", nil)
	l.add(domain.NewWorkflowCancelled("run-1", "user"))
	l.add(domain.NewCompensationStarted("run-1", domain.StrategySequential, []string{"a"}))
	l.add(domain.NewNodeCompensated("run-1", "a", nil))
	l.add(domain.NewCompensationFinished("run-1", true, nil, nil))

	run, err := Replay(l.events)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)
	assert.True(t, run.Compensation.Success)
}

func TestReplay_EqualsIncrementalFold(t *testing.T) {
	def := workflow("wf", node("a"), node("b"), node("c", "a", "b"))
	l := startedLog(def, map[string]any{"seed": 1})
	l.complete("b", map[string]any{"b": 2})
	l.complete("a", map[string]any{"a": 1})
	l.complete("c", map[string]any{"c": 3})
	l.add(domain.NewWorkflowCompleted("run-1", nil))

	var incremental *domain.WorkflowRun
	for _, ev := range l.events {
		next, err := Apply(incremental, ev)
		require.NoError(t, err)
		incremental = next
	}

	replayed, err := Replay(l.events)
	require.NoError(t, err)
	assert.Equal(t, incremental, replayed)
	assert.Equal(t, []string{"b", "a", "c"}, replayed.CompletionOrder)
}

func TestReplay_Empty(t *testing.T) {
	_, err := Replay(nil)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}
