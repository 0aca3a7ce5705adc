package http

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/pkg/adapters/file"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewYAML = `
id: review
nodes:
  - id: draft
    type: task
  - id: approve
    type: approval
    depends_on: [draft]
  - id: publish
    type: task
    depends_on: [approve]
`

func newTestServer(t *testing.T) (*lattice.Engine, http.Handler) {
	t.Helper()
	streams := NewStreamManager(nil)
	eng := lattice.New(lattice.WithLifecycleHooks(streams.Hooks()))
	eng.Handlers().RegisterExecutorFunc("task", func(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
		return ports.NodeResult{Output: map[string]any{req.NodeID: "done"}}, nil
	})
	eng.Handlers().RegisterExecutorFunc("approval", func(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
		return ports.NodeResult{Suspend: true, SuspendReason: "needs approval"}, nil
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "lattice_up 1\n")
	})
	return eng, NewHandler(eng, WithStreams(streams), WithMetrics(metrics))
}

func do(t *testing.T, h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, codec.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndInfo(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, h, "GET", "/info", "", "")
	info := decode[map[string]string](t, w)
	assert.Equal(t, "lattice-http", info["app"])
	assert.Equal(t, strings.TrimSpace(lattice.Version), info["version"])

	w = do(t, h, "GET", "/metrics", "", "")
	assert.Contains(t, w.Body.String(), "lattice_up 1")

	w = do(t, h, "OPTIONS", "/runs", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestDefinitions(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, "POST", "/tenants/acme/definitions", "application/yaml", reviewYAML)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	def := decode[domain.WorkflowDefinition](t, w)
	assert.Equal(t, "review", def.ID)
	assert.Len(t, def.Nodes, 3)

	w = do(t, h, "POST", "/tenants/acme/definitions", "application/json",
		`{"id":"single","active":false,"nodes":[{"id":"a","type":"task"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, "GET", "/tenants/acme/definitions", "", "")
	all := decode[[]domain.WorkflowDefinition](t, w)
	assert.Len(t, all, 2)

	w = do(t, h, "GET", "/tenants/acme/definitions?active=true", "", "")
	active := decode[[]domain.WorkflowDefinition](t, w)
	require.Len(t, active, 1)
	assert.Equal(t, "review", active[0].ID)

	w = do(t, h, "GET", "/tenants/acme/definitions/review", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, "GET", "/tenants/other/definitions/review", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, "GET", "/tenants/acme/definitions/review/graph", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "graph TD")
	assert.Contains(t, w.Body.String(), "draft --> approve")
}

func TestDefinitions_Invalid(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, "POST", "/tenants/acme/definitions", "application/yaml", "id: [broken")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	cyclic := `
id: loop
nodes:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`
	w = do(t, h, "POST", "/tenants/acme/definitions", "application/yaml", cyclic)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "loop")
}

func TestRunLifecycle(t *testing.T) {
	_, h := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/tenants/acme/definitions", "application/yaml", reviewYAML).Code)

	w := do(t, h, "POST", "/runs", "application/json",
		`{"run_id":"r-1","tenant_id":"acme","definition_id":"review","drive":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	run := decode[domain.WorkflowRun](t, w)
	assert.Equal(t, domain.RunSuspended, run.Status)
	assert.Equal(t, "approve", run.WaitingOnNode)

	w = do(t, h, "GET", "/tenants/acme/definitions/review/graph?run=r-1", "", "")
	assert.Contains(t, w.Body.String(), "class draft completed;")

	w = do(t, h, "POST", "/runs/r-1/resume", "application/json", `{"signal":"approved","payload":{"approver":"kim"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.RunRunning, decode[domain.WorkflowRun](t, w).Status)

	w = do(t, h, "POST", "/runs/r-1/drive", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run = decode[domain.WorkflowRun](t, w)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, "kim", run.Context["approver"])

	w = do(t, h, "GET", "/runs", "", "")
	assert.Equal(t, []string{"r-1"}, decode[[]string](t, w))

	w = do(t, h, "GET", "/runs/r-1", "", "")
	assert.Equal(t, run.Version, decode[domain.WorkflowRun](t, w).Version)

	w = do(t, h, "GET", "/runs/r-1/history", "", "")
	events := decode[[]domain.ExecutionEvent](t, w)
	assert.Len(t, events, int(run.Version))

	w = do(t, h, "GET", "/runs/r-1/diff?from=1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	diff := decode[domain.RunDiff](t, w)
	assert.Equal(t, int64(1), diff.FromVersion)

	w = do(t, h, "GET", "/runs/r-1/diff?from="+strconv.FormatInt(run.Version, 10), "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, "GET", "/runs/r-1/diff?from=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "POST", "/runs/r-1/cancel", "application/json", `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, "POST", "/runs/r-1/compensate", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRuns_Errors(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, "GET", "/runs/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, "POST", "/runs", "application/json", `{"tenant_id":"acme"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "POST", "/runs", "application/json", `{"tenant_id":"acme","definition_id":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, "POST", "/runs", "application/json", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "POST", "/runs/missing/signal", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelAndSignal(t *testing.T) {
	_, h := newTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, h, "POST", "/tenants/acme/definitions", "application/yaml", reviewYAML).Code)

	w := do(t, h, "POST", "/runs", "application/json", `{"run_id":"r-2","tenant_id":"acme","definition_id":"review"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, domain.RunRunning, decode[domain.WorkflowRun](t, w).Status)

	w = do(t, h, "POST", "/runs/r-2/signal", "application/json", `{"name":"ping","data":{"n":1}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, "POST", "/runs/r-2/cancel", "application/json", `{"reason":"user"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[domain.WorkflowRun](t, w)
	assert.Equal(t, domain.RunCancelled, run.Status)
	assert.Equal(t, "user", run.CancelReason)

	w = do(t, h, "POST", "/runs/r-2/compensate", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[CompensateResponse](t, w)
	assert.True(t, res.Result.Success)
}

func TestSubscribeEvents(t *testing.T) {
	eng, h := newTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx := context.Background()
	def, err := file.DecodeDefinition([]byte(reviewYAML), ".yaml")
	require.NoError(t, err)
	_, err = eng.RegisterDefinition(ctx, "acme", def)
	require.NoError(t, err)
	_, err = eng.Start(ctx, lattice.StartRequest{RunID: "r-1", TenantID: "acme", DefinitionID: "review"})
	require.NoError(t, err)

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "GET", srv.URL+"/runs/r-1/events?kinds=node_completed,workflow_suspended", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "event: ping", scanner.Text())

	go func() {
		eng.Drive(ctx, "r-1")
	}()

	var seen []string
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			seen = append(seen, after)
			if after == string(domain.EventWorkflowSuspended) {
				break
			}
		}
	}
	assert.Equal(t, []string{"node_completed", "workflow_suspended"}, seen)
}

func TestSubscribeEvents_UnknownRun(t *testing.T) {
	_, h := newTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/missing/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamManager_DropsWhenFull(t *testing.T) {
	sm := NewStreamManager(nil)
	ch, cancel := sm.Subscribe("r")
	defer cancel()

	for i := 0; i < 20; i++ {
		sm.Broadcast("r", "generic", "x")
	}
	assert.Len(t, ch, cap(ch))
	assert.Equal(t, 1, sm.Subscribers("r"))

	cancel()
	assert.Equal(t, 0, sm.Subscribers("r"))
}
