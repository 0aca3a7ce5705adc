package ports

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunEventLedgerContract verifies that an EventLedger implementation honors the
// append and replay contract, including the (run, sequence) uniqueness constraint.
func RunEventLedgerContract(t *testing.T, ledger EventLedger) {
	ctx := context.Background()

	t.Run("Append and Load", func(t *testing.T) {
		runID := "contract-ledger-" + uuid.NewString()
		events := []*domain.ExecutionEvent{
			domain.NewWorkflowStarted(runID, &domain.WorkflowDefinition{ID: "wf", Version: 1}, "acme", map[string]any{"order": "o-1"}),
			domain.NewNodeScheduled(runID, "A", 1),
			domain.NewNodeCompleted(runID, "A", map[string]any{"paid": true}),
		}
		for i, ev := range events {
			ev.ID = uuid.NewString()
			ev.Sequence = int64(i + 1)
			ev.OccurredAt = time.Now().UTC()
			seq, err := ledger.Append(ctx, ev)
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), seq)
		}

		loaded, err := ledger.LoadEvents(ctx, runID)
		require.NoError(t, err)
		require.Len(t, loaded, 3)
		for i, ev := range loaded {
			assert.Equal(t, int64(i+1), ev.Sequence)
			assert.Equal(t, events[i].Kind, ev.Kind)
			assert.Equal(t, events[i].ID, ev.ID)
			require.NoError(t, ev.Validate())
		}
		assert.Equal(t, "acme", loaded[0].WorkflowStarted.TenantID)
		assert.Equal(t, "A", loaded[2].NodeCompleted.NodeID)
		assert.Equal(t, true, loaded[2].NodeCompleted.Output["paid"])

		last, err := ledger.LastSequence(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), last)

		tail, err := ledger.LoadEventsFrom(ctx, runID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, int64(2), tail[0].Sequence)
		assert.Equal(t, int64(3), tail[1].Sequence)
	})

	t.Run("Unknown Run", func(t *testing.T) {
		runID := "contract-ledger-missing-" + uuid.NewString()
		events, err := ledger.LoadEvents(ctx, runID)
		require.NoError(t, err)
		assert.Empty(t, events)

		last, err := ledger.LastSequence(ctx, runID)
		require.NoError(t, err)
		assert.Zero(t, last)
	})

	t.Run("Rejects Duplicate And Gap", func(t *testing.T) {
		runID := "contract-ledger-conflict-" + uuid.NewString()
		first := domain.NewGeneric(runID, "first", nil)
		first.Sequence = 1
		_, err := ledger.Append(ctx, first)
		require.NoError(t, err)

		dup := domain.NewGeneric(runID, "dup", nil)
		dup.Sequence = 1
		_, err = ledger.Append(ctx, dup)
		assert.ErrorIs(t, err, domain.ErrSequenceConflict)

		gap := domain.NewGeneric(runID, "gap", nil)
		gap.Sequence = 3
		_, err = ledger.Append(ctx, gap)
		assert.ErrorIs(t, err, domain.ErrSequenceConflict)

		var conflict *domain.SequenceConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(1), conflict.Last)

		events, err := ledger.LoadEvents(ctx, runID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "first", events[0].Generic.Name)
	})

	t.Run("Rejects Malformed Event", func(t *testing.T) {
		runID := "contract-ledger-bad-" + uuid.NewString()
		_, err := ledger.Append(ctx, &domain.ExecutionEvent{RunID: runID, Sequence: 1, Kind: domain.EventNodeCompleted})
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrSequenceConflict)
	})

	t.Run("Concurrent Appends Are Gapless", func(t *testing.T) {
		runID := "contract-ledger-race-" + uuid.NewString()
		const writers = 16

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					last, err := ledger.LastSequence(ctx, runID)
					if err != nil {
						errs <- err
						return
					}
					ev := domain.NewGeneric(runID, "tick", nil)
					ev.Sequence = last + 1
					_, err = ledger.Append(ctx, ev)
					if errors.Is(err, domain.ErrSequenceConflict) {
						continue
					}
					if err != nil {
						errs <- err
					}
					return
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		events, err := ledger.LoadEvents(ctx, runID)
		require.NoError(t, err)
		require.Len(t, events, writers)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
		}
	})
}

// RunSnapshotStoreContract verifies the optimistic versioning rules of a SnapshotStore.
func RunSnapshotStoreContract(t *testing.T, store SnapshotStore) {
	ctx := context.Background()

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, "contract-missing-"+uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("Create and Get", func(t *testing.T) {
		run := newContractRun()
		require.NoError(t, store.Save(ctx, run, 0))

		loaded, err := store.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, loaded.ID)
		assert.Equal(t, int64(1), loaded.Version)
		assert.Equal(t, domain.RunRunning, loaded.Status)
		assert.Equal(t, "bar", loaded.Context["foo"])
		// JSON backed stores turn numbers into float64; only check presence.
		assert.NotNil(t, loaded.Context["count"])

		err = store.Save(ctx, run, 0)
		assert.ErrorIs(t, err, domain.ErrVersionConflict, "creating an existing run must conflict")
	})

	t.Run("Stale Writer Loses", func(t *testing.T) {
		run := newContractRun()
		require.NoError(t, store.Save(ctx, run, 0))

		writer1, err := store.Get(ctx, run.ID)
		require.NoError(t, err)
		writer2, err := store.Get(ctx, run.ID)
		require.NoError(t, err)

		readVersion := writer1.Version
		writer1.Version++
		writer1.Context["winner"] = "one"
		require.NoError(t, store.Save(ctx, writer1, readVersion))

		writer2.Version++
		writer2.Context["winner"] = "two"
		err = store.Save(ctx, writer2, readVersion)
		require.ErrorIs(t, err, domain.ErrVersionConflict)

		var conflict *domain.VersionConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, readVersion, conflict.Expected)
		assert.Equal(t, readVersion+1, conflict.Actual)

		loaded, err := store.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "one", loaded.Context["winner"])
		assert.Equal(t, readVersion+1, loaded.Version)
	})

	t.Run("Version Advances By One", func(t *testing.T) {
		run := newContractRun()
		require.NoError(t, store.Save(ctx, run, 0))

		run.Version = 5
		err := store.Save(ctx, run, 1)
		require.Error(t, err)

		loaded, err := store.Get(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version)
	})

	t.Run("Delete", func(t *testing.T) {
		run := newContractRun()
		require.NoError(t, store.Save(ctx, run, 0))

		require.NoError(t, store.Delete(ctx, run.ID))

		_, err := store.Get(ctx, run.ID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound, "Get after Delete should return ErrRunNotFound")
	})

	t.Run("List", func(t *testing.T) {
		r1 := newContractRun()
		r2 := newContractRun()
		require.NoError(t, store.Save(ctx, r1, 0))
		require.NoError(t, store.Save(ctx, r2, 0))

		defer func() {
			_ = store.Delete(ctx, r1.ID)
			_ = store.Delete(ctx, r2.ID)
		}()

		runs, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, runs, r1.ID)
		assert.Contains(t, runs, r2.ID)
	})
}

// RunDefinitionRepositoryContract verifies tenant scoping and listing of a DefinitionRepository.
func RunDefinitionRepositoryContract(t *testing.T, repo DefinitionRepository) {
	ctx := context.Background()
	tenant := "tenant-" + uuid.NewString()

	t.Run("Find Non-Existent", func(t *testing.T) {
		_, err := repo.FindByID(ctx, tenant, "missing")
		assert.ErrorIs(t, err, domain.ErrDefinitionNotFound)
	})

	t.Run("Save and Find", func(t *testing.T) {
		def := newContractDefinition("checkout", true)
		saved, err := repo.Save(ctx, tenant, def)
		require.NoError(t, err)
		assert.Equal(t, tenant, saved.TenantID)

		loaded, err := repo.FindByID(ctx, tenant, "checkout")
		require.NoError(t, err)
		assert.Equal(t, "checkout", loaded.ID)
		require.Len(t, loaded.Nodes, 2)
		assert.Equal(t, []string{"reserve"}, loaded.Nodes[1].DependsOn)
		require.NotNil(t, loaded.Compensation)
		assert.Equal(t, domain.StrategySequential, loaded.Compensation.Strategy)

		_, err = repo.FindByID(ctx, "other-"+tenant, "checkout")
		assert.ErrorIs(t, err, domain.ErrDefinitionNotFound, "definitions are tenant scoped")
	})

	t.Run("Find By Tenant", func(t *testing.T) {
		_, err := repo.Save(ctx, tenant, newContractDefinition("b-active", true))
		require.NoError(t, err)
		_, err = repo.Save(ctx, tenant, newContractDefinition("a-retired", false))
		require.NoError(t, err)

		all, err := repo.FindByTenant(ctx, tenant, false)
		require.NoError(t, err)
		ids := make([]string, 0, len(all))
		for _, d := range all {
			ids = append(ids, d.ID)
		}
		assert.Equal(t, []string{"a-retired", "b-active", "checkout"}, ids)

		active, err := repo.FindByTenant(ctx, tenant, true)
		require.NoError(t, err)
		for _, d := range active {
			assert.True(t, d.Active)
		}
		assert.Len(t, active, 2)
	})
}

func newContractRun() *domain.WorkflowRun {
	now := time.Now().UTC()
	return &domain.WorkflowRun{
		ID:           "contract-run-" + uuid.NewString(),
		TenantID:     "acme",
		DefinitionID: "wf",
		Status:       domain.RunRunning,
		Context:      map[string]any{"foo": "bar", "count": 42},
		Nodes:        map[string]*domain.NodeExecution{},
		Version:      1,
		CreatedAt:    now,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

func newContractDefinition(id string, active bool) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:      id,
		Name:    id,
		Version: 1,
		Active:  active,
		Nodes: []domain.NodeDefinition{
			{ID: "reserve", Type: "task", Config: map[string]any{domain.KeyCompensation: "release"}},
			{ID: "charge", Type: "task", DependsOn: []string{"reserve"}},
		},
		Compensation: &domain.CompensationPolicy{Enabled: true, Strategy: domain.StrategySequential},
	}
}
