package http

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/presentation/graph"
	"github.com/aretw0/lattice/pkg/adapters/file"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/go-chi/chi/v5"
)

// maxBodySize bounds request bodies (definitions included).
const maxBodySize = 4 << 20

func readAll(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}

// RegisterDefinition handles POST /tenants/{tenant}/definitions.
// The body is YAML unless the content type says JSON.
func (s *Server) RegisterDefinition(w http.ResponseWriter, r *http.Request) {
	data, err := readAll(r)
	if err != nil {
		s.badRequest(w, "Invalid request body", err)
		return
	}

	ext := ".yaml"
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mt == "application/json" {
		ext = ".json"
	}
	def, err := file.DecodeDefinition(data, ext)
	if err != nil {
		s.badRequest(w, "Invalid definition", err)
		return
	}

	saved, err := s.Engine.RegisterDefinition(r.Context(), chi.URLParam(r, "tenant"), def)
	if err != nil {
		s.writeError(w, r, "RegisterDefinition", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

// ListDefinitions handles GET /tenants/{tenant}/definitions?active=true.
func (s *Server) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.badRequest(w, "Invalid active flag", err)
			return
		}
		activeOnly = b
	}

	defs, err := s.Engine.ListDefinitions(r.Context(), chi.URLParam(r, "tenant"), activeOnly)
	if err != nil {
		s.writeError(w, r, "ListDefinitions", err)
		return
	}
	if defs == nil {
		defs = []*domain.WorkflowDefinition{}
	}
	s.writeJSON(w, http.StatusOK, defs)
}

// GetDefinition handles GET /tenants/{tenant}/definitions/{id}.
func (s *Server) GetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.Engine.Definition(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "GetDefinition", err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

// GetGraph handles GET /tenants/{tenant}/definitions/{id}/graph?run=<id>.
// It answers a Mermaid flowchart, overlaid with the run state when a run is given.
func (s *Server) GetGraph(w http.ResponseWriter, r *http.Request) {
	def, err := s.Engine.Definition(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "GetGraph", err)
		return
	}

	var overlay *graph.GraphOverlay
	if runID := r.URL.Query().Get("run"); runID != "" {
		run, err := s.Engine.Snapshot(r.Context(), runID)
		if err != nil {
			s.writeError(w, r, "GetGraph", err)
			return
		}
		overlay = graph.OverlayFromRun(run)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, graph.GenerateMermaid(def, overlay))
}

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	RunID        string         `json:"run_id,omitempty"`
	TenantID     string         `json:"tenant_id"`
	DefinitionID string         `json:"definition_id"`
	Input        map[string]any `json:"input,omitempty"`

	// Drive executes the run until it rests before answering.
	Drive bool `json:"drive,omitempty"`
}

// StartRun handles POST /runs.
func (s *Server) StartRun(w http.ResponseWriter, r *http.Request) {
	var body StartRunRequest
	if err := decodeBody(r, &body); err != nil {
		s.badRequest(w, "Invalid request body", err)
		return
	}
	if body.TenantID == "" || body.DefinitionID == "" {
		s.badRequest(w, "tenant_id and definition_id are required", nil)
		return
	}

	run, err := s.Engine.Start(r.Context(), lattice.StartRequest{
		RunID:        body.RunID,
		TenantID:     body.TenantID,
		DefinitionID: body.DefinitionID,
		Input:        body.Input,
	})
	if err != nil {
		s.writeError(w, r, "StartRun", err)
		return
	}
	if body.Drive {
		run, err = s.Engine.Drive(r.Context(), run.ID)
		if err != nil {
			s.writeError(w, r, "StartRun", err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, run)
}

// ListRuns handles GET /runs.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Engine.Runs(r.Context())
	if err != nil {
		s.writeError(w, r, "ListRuns", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, ids)
}

// GetRun handles GET /runs/{id}.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Engine.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "GetRun", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// GetHistory handles GET /runs/{id}/history.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.Engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "GetHistory", err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// GetDiff handles GET /runs/{id}/diff?from=<version>.
// An unchanged run answers 204.
func (s *Server) GetDiff(w http.ResponseWriter, r *http.Request) {
	var from int64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.badRequest(w, "Invalid from version", err)
			return
		}
		from = n
	}

	diff, err := s.Engine.Diff(r.Context(), chi.URLParam(r, "id"), from)
	if err != nil {
		s.writeError(w, r, "GetDiff", err)
		return
	}
	if diff == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, diff)
}

// DriveRun handles POST /runs/{id}/drive.
func (s *Server) DriveRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Engine.Drive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "DriveRun", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// SignalRequest is the body of POST /runs/{id}/signal.
type SignalRequest struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// SignalRun handles POST /runs/{id}/signal.
func (s *Server) SignalRun(w http.ResponseWriter, r *http.Request) {
	var body SignalRequest
	if err := decodeBody(r, &body); err != nil {
		s.badRequest(w, "Invalid request body", err)
		return
	}
	if body.Name == "" {
		s.badRequest(w, "signal name is required", nil)
		return
	}

	run, err := s.Engine.Signal(r.Context(), chi.URLParam(r, "id"), body.Name, body.Data)
	if err != nil {
		s.writeError(w, r, "SignalRun", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// ResumeRequest is the body of POST /runs/{id}/resume.
type ResumeRequest struct {
	Signal  string         `json:"signal,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ResumeRun handles POST /runs/{id}/resume.
func (s *Server) ResumeRun(w http.ResponseWriter, r *http.Request) {
	var body ResumeRequest
	if err := decodeBody(r, &body); err != nil {
		s.badRequest(w, "Invalid request body", err)
		return
	}

	run, err := s.Engine.Resume(r.Context(), chi.URLParam(r, "id"), body.Signal, body.Payload)
	if err != nil {
		s.writeError(w, r, "ResumeRun", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// CancelRequest is the body of POST /runs/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelRun handles POST /runs/{id}/cancel.
func (s *Server) CancelRun(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if err := decodeBody(r, &body); err != nil {
		s.badRequest(w, "Invalid request body", err)
		return
	}

	run, err := s.Engine.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		s.writeError(w, r, "CancelRun", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// CompensateResponse is the answer of POST /runs/{id}/compensate.
type CompensateResponse struct {
	Run    *domain.WorkflowRun       `json:"run"`
	Result domain.CompensationResult `json:"result"`
}

// CompensateRun handles POST /runs/{id}/compensate.
// A saga that ran but had failing steps answers 422 with the full result.
func (s *Server) CompensateRun(w http.ResponseWriter, r *http.Request) {
	run, result, err := s.Engine.Compensate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, "CompensateRun", err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, CompensateResponse{Run: run, Result: result})
}
