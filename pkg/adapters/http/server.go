package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Engine is the part of the Lattice engine exposed over HTTP.
// *lattice.Engine satisfies it.
type Engine interface {
	RegisterDefinition(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error)
	Definition(ctx context.Context, tenantID, id string) (*domain.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.WorkflowDefinition, error)

	Start(ctx context.Context, req lattice.StartRequest) (*domain.WorkflowRun, error)
	Drive(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	Signal(ctx context.Context, runID, name string, data map[string]any) (*domain.WorkflowRun, error)
	Resume(ctx context.Context, runID, signal string, payload map[string]any) (*domain.WorkflowRun, error)
	Cancel(ctx context.Context, runID, reason string) (*domain.WorkflowRun, error)
	Compensate(ctx context.Context, runID string) (*domain.WorkflowRun, domain.CompensationResult, error)

	Snapshot(ctx context.Context, runID string) (*domain.WorkflowRun, error)
	History(ctx context.Context, runID string) ([]*domain.ExecutionEvent, error)
	Diff(ctx context.Context, runID string, fromVersion int64) (*domain.RunDiff, error)
	Runs(ctx context.Context) ([]string, error)
}

var _ Engine = (*lattice.Engine)(nil)

// Server serves the REST façade of an Engine.
type Server struct {
	Engine  Engine
	Streams *StreamManager

	metrics http.Handler
	logger  *slog.Logger
}

// Option configures the HTTP server.
type Option func(*Server)

// WithStreams shares a StreamManager whose Hooks were given to the engine.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) {
		s.Streams = sm
	}
}

// WithMetrics mounts a Prometheus handler on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewHandler creates a new HTTP handler for the engine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	server := &Server{Engine: engine}
	for _, opt := range opts {
		opt(server)
	}
	if server.logger == nil {
		server.logger = logging.NewNop()
	}
	if server.Streams == nil {
		server.Streams = NewStreamManager(server.logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", server.GetHealth)
	r.Get("/info", server.GetInfo)
	if server.metrics != nil {
		r.Method(http.MethodGet, "/metrics", server.metrics)
	}

	r.Route("/tenants/{tenant}/definitions", func(r chi.Router) {
		r.Get("/", server.ListDefinitions)
		r.Post("/", server.RegisterDefinition)
		r.Get("/{id}", server.GetDefinition)
		r.Get("/{id}/graph", server.GetGraph)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", server.ListRuns)
		r.Post("/", server.StartRun)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", server.GetRun)
			r.Get("/history", server.GetHistory)
			r.Get("/diff", server.GetDiff)
			r.Get("/events", server.SubscribeEvents)
			r.Post("/drive", server.DriveRun)
			r.Post("/signal", server.SignalRun)
			r.Post("/resume", server.ResumeRun)
			r.Post("/cancel", server.CancelRun)
			r.Post("/compensate", server.CompensateRun)
		})
	})

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Custom-Header")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":     "lattice-http",
		"version": strings.TrimSpace(lattice.Version),
	})
}

// errorResponse is the body of every non-2xx JSON answer.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrDefinitionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidDefinition), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTerminalRun),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrSequenceConflict),
		errors.Is(err, domain.ErrTooManyConflicts):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStuckWorkflow), errors.Is(err, domain.ErrCompensationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "err", err, "request_id", middleware.GetReqID(r.Context()))
	} else {
		s.logger.Debug(op+" rejected", "err", err, "status", status)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string, err error) {
	if err != nil {
		msg += ": " + err.Error()
	}
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := codec.Marshal(v)
	if err != nil {
		s.logger.Error("response encode failed", "err", err)
		http.Error(w, "response encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// decodeBody reads an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	data, err := readAll(r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return codec.Unmarshal(data, v)
}
