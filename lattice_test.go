package lattice_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/dsl"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, opts ...lattice.Option) *lattice.Engine {
	t.Helper()
	eng := lattice.New(opts...)
	eng.Handlers().RegisterExecutorFunc("task", func(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
		return ports.NodeResult{Output: map[string]any{req.NodeID: "done"}}, nil
	})
	eng.Handlers().RegisterExecutorFunc("approval", func(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
		return ports.NodeResult{Suspend: true, SuspendReason: "needs approval"}, nil
	})
	return eng
}

func register(t *testing.T, eng *lattice.Engine, b *dsl.Builder) {
	t.Helper()
	_, err := eng.RegisterDefinition(context.Background(), "acme", b.MustBuild())
	require.NoError(t, err)
}

func TestEngine_RunAndInspect(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	b := dsl.New("linear")
	b.Add("a").Type("task")
	b.Add("b").Type("task").After("a")
	register(t, eng, b)

	run, err := eng.Run(ctx, lattice.StartRequest{RunID: "r-1", TenantID: "acme", DefinitionID: "linear"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	history, err := eng.History(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, run.Version, int64(len(history)))
	assert.Equal(t, domain.EventWorkflowStarted, history[0].Kind)
	assert.Equal(t, domain.EventWorkflowCompleted, history[len(history)-1].Kind)

	require.NoError(t, eng.Verify(ctx, "r-1"))

	runs, err := eng.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r-1"}, runs)

	snap, err := eng.Snapshot(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, run.Version, snap.Version)
}

func TestEngine_Diff(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	b := dsl.New("linear")
	b.Add("a").Type("task")
	register(t, eng, b)

	run, err := eng.Run(ctx, lattice.StartRequest{RunID: "r-1", TenantID: "acme", DefinitionID: "linear"})
	require.NoError(t, err)

	full, err := eng.Diff(ctx, "r-1", 0)
	require.NoError(t, err)
	require.NotNil(t, full)
	assert.Equal(t, int64(0), full.FromVersion)
	assert.Equal(t, run.Version, full.ToVersion)

	partial, err := eng.Diff(ctx, "r-1", 1)
	require.NoError(t, err)
	require.NotNil(t, partial)
	require.NotNil(t, partial.Status)
	assert.Equal(t, domain.RunCompleted, *partial.Status)
	assert.Equal(t, "done", partial.Context["a"])
	assert.Equal(t, domain.NodeCompleted, partial.Nodes["a"])

	none, err := eng.Diff(ctx, "r-1", run.Version)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = eng.Diff(ctx, "r-1", run.Version+1)
	assert.Error(t, err)

	_, err = eng.Diff(ctx, "missing", 0)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestEngine_SuspendAndResume(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	b := dsl.New("review")
	b.Add("draft").Type("task")
	b.Add("approve").Type("approval").After("draft")
	b.Add("publish").Type("task").After("approve")
	register(t, eng, b)

	run, err := eng.Run(ctx, lattice.StartRequest{RunID: "r-1", TenantID: "acme", DefinitionID: "review"})
	require.NoError(t, err)
	require.Equal(t, domain.RunSuspended, run.Status)
	assert.Equal(t, "approve", run.WaitingOnNode)

	_, err = eng.Resume(ctx, "r-1", "approved", map[string]any{"approver": "kim"})
	require.NoError(t, err)

	run, err = eng.Drive(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, "kim", run.Context["approver"])
}

func TestEngine_CancelWithoutCompensation(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	b := dsl.New("one")
	b.Add("a").Type("task")
	register(t, eng, b)

	run, err := eng.Start(ctx, lattice.StartRequest{TenantID: "acme", DefinitionID: "one"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)

	run, err = eng.Cancel(ctx, run.ID, "user request")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.Status)

	_, err = eng.Cancel(ctx, run.ID, "again")
	assert.ErrorIs(t, err, domain.ErrTerminalRun)
}

type countingLocker struct {
	mu    sync.Mutex
	locks map[string]bool
	count int
}

func (l *countingLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	for {
		l.mu.Lock()
		if !l.locks[key] {
			l.locks[key] = true
			l.count++
			l.mu.Unlock()
			return func(context.Context) error {
				l.mu.Lock()
				defer l.mu.Unlock()
				delete(l.locks, key)
				return nil
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func TestEngine_DistributedLockAroundDrive(t *testing.T) {
	ctx := context.Background()
	locker := &countingLocker{locks: make(map[string]bool)}
	ledger := memory.NewLedger()
	eng := newEngine(t, lattice.WithDistributedLocker(locker), lattice.WithLedger(ledger))

	b := dsl.New("one")
	b.Add("a").Type("task")
	register(t, eng, b)

	run, err := eng.Run(ctx, lattice.StartRequest{RunID: "r-1", TenantID: "acme", DefinitionID: "one"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 1, locker.count)

	last, err := ledger.LastSequence(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, run.Version, last)
}

func TestEngine_HooksMerged(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var appended, finished int

	eng := newEngine(t,
		lattice.WithLifecycleHooks(domain.LifecycleHooks{
			OnEventAppended: func(context.Context, *domain.ExecutionEvent) {
				mu.Lock()
				appended++
				mu.Unlock()
			},
		}),
		lattice.WithLifecycleHooks(domain.LifecycleHooks{
			OnRunFinished: func(context.Context, *domain.WorkflowRun) {
				mu.Lock()
				finished++
				mu.Unlock()
			},
		}),
	)

	b := dsl.New("one")
	b.Add("a").Type("task")
	register(t, eng, b)

	run, err := eng.Run(ctx, lattice.StartRequest{TenantID: "acme", DefinitionID: "one"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int(run.Version), appended)
	assert.Equal(t, 1, finished)
}

func TestEngine_UnknownDefinition(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.Run(context.Background(), lattice.StartRequest{TenantID: "acme", DefinitionID: "nope"})
	assert.ErrorIs(t, err, domain.ErrDefinitionNotFound)
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, lattice.Version)
}
