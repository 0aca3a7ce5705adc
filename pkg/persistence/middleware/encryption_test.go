package middleware_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"testing"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/dsl"
	"github.com/aretw0/lattice/pkg/persistence/middleware"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, k)
	require.NoError(t, err)
	return k
}

func encrypted(t *testing.T, next ports.SnapshotStore, config middleware.EncryptionConfig) ports.SnapshotStore {
	t.Helper()
	mw, err := middleware.NewEncryptionMiddleware(config)
	require.NoError(t, err)
	return middleware.Chain(next, mw)
}

func newRun(id string) *domain.WorkflowRun {
	return &domain.WorkflowRun{
		ID:           id,
		TenantID:     "acme",
		DefinitionID: "order",
		Status:       domain.RunRunning,
		Version:      1,
		Context:      map[string]any{"secret": "my-secret-sauce"},
		Nodes: map[string]*domain.NodeExecution{
			"charge": {NodeID: "charge", Status: domain.NodeCompleted, Output: map[string]any{"card": "4242"}},
		},
	}
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	ports.RunSnapshotStoreContract(t, encrypted(t, memory.NewStore(), middleware.EncryptionConfig{ActiveKey: generateKey(t)}))
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	ctx := context.Background()
	underlying := memory.NewStore()
	secure := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: generateKey(t)})

	require.NoError(t, secure.Save(ctx, newRun("r-1"), 0))

	stored, err := underlying.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.NotContains(t, stored.Context, "secret")
	assert.Contains(t, stored.Context, "__encrypted__")
	assert.Empty(t, stored.Nodes)
	assert.Equal(t, domain.RunRunning, stored.Status, "status stays visible for monitoring")

	loaded, err := secure.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "my-secret-sauce", loaded.Context["secret"])
	assert.Equal(t, "4242", loaded.Nodes["charge"].Output["card"])
	assert.Equal(t, int64(1), loaded.Version)
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	ctx := context.Background()
	underlying := memory.NewStore()
	oldKey, newKey := generateKey(t), generateKey(t)

	oldStore := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: oldKey})
	require.NoError(t, oldStore.Save(ctx, newRun("r-1"), 0))

	newStore := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: newKey, FallbackKeys: [][]byte{oldKey}})
	loaded, err := newStore.Get(ctx, "r-1")
	require.NoError(t, err, "fallback key decrypts old snapshots")
	assert.Equal(t, "my-secret-sauce", loaded.Context["secret"])

	loaded.Version++
	require.NoError(t, newStore.Save(ctx, loaded, 1))

	_, err = oldStore.Get(ctx, "r-1")
	assert.Error(t, err, "the old key alone cannot read snapshots sealed with the new one")
}

func TestEncryptionMiddleware_RejectsPlainSnapshots(t *testing.T) {
	ctx := context.Background()
	underlying := memory.NewStore()
	require.NoError(t, underlying.Save(ctx, newRun("r-1"), 0))

	secure := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	_, err := secure.Get(ctx, "r-1")
	assert.ErrorIs(t, err, middleware.ErrMissingEnvelope)
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	_, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")})
	assert.Error(t, err)

	_, err = middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    generateKey(t),
		FallbackKeys: [][]byte{[]byte("short")},
	})
	assert.Error(t, err)
}

func TestDecodeKey(t *testing.T) {
	key := generateKey(t)
	decoded, err := middleware.DecodeKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = middleware.DecodeKey("not base64!")
	assert.Error(t, err)
	_, err = middleware.DecodeKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestEncryptionMiddleware_EngineVerifies(t *testing.T) {
	ctx := context.Background()
	eng := lattice.New(lattice.WithSnapshotStore(encrypted(t, memory.NewStore(), middleware.EncryptionConfig{ActiveKey: generateKey(t)})))
	eng.Handlers().RegisterExecutorFunc("task", func(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
		return ports.NodeResult{Output: map[string]any{req.NodeID: "done"}}, nil
	})

	b := dsl.New("pipeline")
	b.Add("a").Type("task")
	b.Add("b").Type("task").After("a")
	_, err := eng.RegisterDefinition(ctx, "acme", b.MustBuild())
	require.NoError(t, err)

	run, err := eng.Run(ctx, lattice.StartRequest{RunID: "r-1", TenantID: "acme", DefinitionID: "pipeline"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.NoError(t, eng.Verify(ctx, "r-1"))
}
