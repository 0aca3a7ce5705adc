package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/lattice"
	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/presentation/graph"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Engine defines the interface required by the MCP server to interact with Lattice.
// *lattice.Engine satisfies it.
type Engine interface {
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
	Runs(ctx context.Context) ([]string, error)
}

var _ Engine = (*lattice.Engine)(nil)

// RunResponse wraps a run snapshot; structured tool output must be an object.
type RunResponse struct {
	Run *domain.WorkflowRun `json:"run" jsonschema_description:"The current snapshot of the workflow run"`
}

// HistoryResponse lists the ledger events of a run.
type HistoryResponse struct {
	RunID  string                   `json:"run_id"`
	Events []*domain.ExecutionEvent `json:"events" jsonschema_description:"Ledger events ordered by sequence"`
}

// DefinitionsResponse lists the definitions of a tenant.
type DefinitionsResponse struct {
	TenantID    string                       `json:"tenant_id"`
	Definitions []*domain.WorkflowDefinition `json:"definitions"`
}

// CompensationResponse reports a saga unwind.
type CompensationResponse struct {
	Run    *domain.WorkflowRun       `json:"run"`
	Result domain.CompensationResult `json:"result"`
}

// Tool arguments.
type (
	runArgs struct {
		RunID string `json:"run_id"`
	}
	startArgs struct {
		TenantID     string         `json:"tenant_id"`
		DefinitionID string         `json:"definition_id"`
		RunID        string         `json:"run_id"`
		Input        map[string]any `json:"input"`
		Drive        bool           `json:"drive"`
	}
	signalArgs struct {
		RunID string         `json:"run_id"`
		Name  string         `json:"name"`
		Data  map[string]any `json:"data"`
	}
	resumeArgs struct {
		RunID   string         `json:"run_id"`
		Signal  string         `json:"signal"`
		Payload map[string]any `json:"payload"`
	}
	cancelArgs struct {
		RunID  string `json:"run_id"`
		Reason string `json:"reason"`
	}
	listArgs struct {
		TenantID   string `json:"tenant_id"`
		ActiveOnly bool   `json:"active_only"`
	}
)

// Server wraps the Lattice Engine and exposes it as an MCP Server.
type Server struct {
	engine    Engine
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// Option configures the MCP server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		mcpServer: server.NewMCPServer("lattice-mcp", strings.TrimSpace(lattice.Version)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE starts the server on the given port using SSE and shuts it down when ctx ends.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Info("Shutdown signal received, shutting down MCP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_definitions",
		mcp.WithDescription("List the workflow definitions published for a tenant."),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant that owns the definitions")),
		mcp.WithBoolean("active_only", mcp.Description("Only list active definitions")),
		mcp.WithOutputSchema[DefinitionsResponse](),
	), mcp.NewStructuredToolHandler(s.handleListDefinitions))

	s.mcpServer.AddTool(mcp.NewTool("get_graph",
		mcp.WithDescription("Render a workflow definition as a Mermaid flowchart, optionally overlaid with a run."),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant that owns the definition")),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("Definition to render")),
		mcp.WithString("run_id", mcp.Description("Run whose node states are drawn on the graph (optional)")),
	), s.handleGetGraph)

	s.mcpServer.AddTool(mcp.NewTool("start_run",
		mcp.WithDescription("Start a workflow run. With drive, execute it until it completes, fails or suspends."),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant that owns the definition")),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("Definition to run")),
		mcp.WithString("run_id", mcp.Description("Run ID (optional, generated when empty)")),
		mcp.WithObject("input", mcp.Description("Initial run context")),
		mcp.WithBoolean("drive", mcp.Description("Execute the run before answering")),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(s.handleStartRun))

	s.mcpServer.AddTool(mcp.NewTool("drive_run",
		mcp.WithDescription("Execute ready nodes of a run until it completes, fails or suspends."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to drive")),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(s.handleDriveRun))

	s.mcpServer.AddTool(mcp.NewTool("get_run",
		mcp.WithDescription("Get the current snapshot of a run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to inspect")),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(s.handleGetRun))

	s.mcpServer.AddTool(mcp.NewTool("get_history",
		mcp.WithDescription("Get the ordered ledger events of a run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to inspect")),
		mcp.WithOutputSchema[HistoryResponse](),
	), mcp.NewStructuredToolHandler(s.handleGetHistory))

	s.mcpServer.AddTool(mcp.NewTool("signal_run",
		mcp.WithDescription("Deliver an external signal. A suspended run is resumed by it."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Target run")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Signal name")),
		mcp.WithObject("data", mcp.Description("Signal payload")),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(s.handleSignalRun))

	s.mcpServer.AddTool(mcp.NewTool("resume_run",
		mcp.WithDescription("Resume a suspended run, completing the node it waits on with the payload."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Suspended run")),
		mcp.WithString("signal", mcp.Description("Signal name recorded with the resumption")),
		mcp.WithObject("payload", mcp.Description("Output of the waiting node")),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(s.handleResumeRun))

	s.mcpServer.AddTool(mcp.NewTool("cancel_run",
		mcp.WithDescription("Cancel a run. Completed nodes are compensated when the definition enables it."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to cancel")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(s.handleCancelRun))

	s.mcpServer.AddTool(mcp.NewTool("compensate_run",
		mcp.WithDescription("Unwind a failed or cancelled run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run to compensate")),
		mcp.WithOutputSchema[CompensationResponse](),
	), mcp.NewStructuredToolHandler(s.handleCompensateRun))
}

// Handler methods for structured tools

func (s *Server) handleListDefinitions(ctx context.Context, _ mcp.CallToolRequest, args listArgs) (DefinitionsResponse, error) {
	defs, err := s.engine.ListDefinitions(ctx, args.TenantID, args.ActiveOnly)
	if err != nil {
		return DefinitionsResponse{}, fmt.Errorf("list definitions failed: %w", err)
	}
	if defs == nil {
		defs = []*domain.WorkflowDefinition{}
	}
	return DefinitionsResponse{TenantID: args.TenantID, Definitions: defs}, nil
}

func (s *Server) handleGetGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := request.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	definitionID, err := request.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	def, err := s.engine.Definition(ctx, tenantID, definitionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get definition failed: %v", err)), nil
	}

	var overlay *graph.GraphOverlay
	if runID := request.GetString("run_id", ""); runID != "" {
		run, err := s.engine.Snapshot(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get run failed: %v", err)), nil
		}
		overlay = graph.OverlayFromRun(run)
	}
	return mcp.NewToolResultText(graph.GenerateMermaid(def, overlay)), nil
}

func (s *Server) handleStartRun(ctx context.Context, _ mcp.CallToolRequest, args startArgs) (RunResponse, error) {
	run, err := s.engine.Start(ctx, lattice.StartRequest{
		RunID:        args.RunID,
		TenantID:     args.TenantID,
		DefinitionID: args.DefinitionID,
		Input:        args.Input,
	})
	if err != nil {
		return RunResponse{}, fmt.Errorf("start failed: %w", err)
	}
	if !args.Drive {
		return RunResponse{Run: run}, nil
	}
	driven, err := s.engine.Drive(ctx, run.ID)
	if err != nil {
		s.logger.Warn("MCP start_run: drive failed", "run_id", run.ID, "err", err)
		return RunResponse{}, fmt.Errorf("drive failed: %w", err)
	}
	return RunResponse{Run: driven}, nil
}

func (s *Server) handleDriveRun(ctx context.Context, _ mcp.CallToolRequest, args runArgs) (RunResponse, error) {
	run, err := s.engine.Drive(ctx, args.RunID)
	if err != nil {
		return RunResponse{}, fmt.Errorf("drive failed: %w", err)
	}
	return RunResponse{Run: run}, nil
}

func (s *Server) handleGetRun(ctx context.Context, _ mcp.CallToolRequest, args runArgs) (RunResponse, error) {
	run, err := s.engine.Snapshot(ctx, args.RunID)
	if err != nil {
		return RunResponse{}, fmt.Errorf("get run failed: %w", err)
	}
	return RunResponse{Run: run}, nil
}

func (s *Server) handleGetHistory(ctx context.Context, _ mcp.CallToolRequest, args runArgs) (HistoryResponse, error) {
	events, err := s.engine.History(ctx, args.RunID)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("get history failed: %w", err)
	}
	return HistoryResponse{RunID: args.RunID, Events: events}, nil
}

func (s *Server) handleSignalRun(ctx context.Context, _ mcp.CallToolRequest, args signalArgs) (RunResponse, error) {
	run, err := s.engine.Signal(ctx, args.RunID, args.Name, args.Data)
	if err != nil {
		return RunResponse{}, fmt.Errorf("signal failed: %w", err)
	}
	return RunResponse{Run: run}, nil
}

func (s *Server) handleResumeRun(ctx context.Context, _ mcp.CallToolRequest, args resumeArgs) (RunResponse, error) {
	run, err := s.engine.Resume(ctx, args.RunID, args.Signal, args.Payload)
	if err != nil {
		return RunResponse{}, fmt.Errorf("resume failed: %w", err)
	}
	return RunResponse{Run: run}, nil
}

func (s *Server) handleCancelRun(ctx context.Context, _ mcp.CallToolRequest, args cancelArgs) (RunResponse, error) {
	run, err := s.engine.Cancel(ctx, args.RunID, args.Reason)
	if err != nil {
		return RunResponse{}, fmt.Errorf("cancel failed: %w", err)
	}
	return RunResponse{Run: run}, nil
}

func (s *Server) handleCompensateRun(ctx context.Context, _ mcp.CallToolRequest, args runArgs) (CompensationResponse, error) {
	run, result, err := s.engine.Compensate(ctx, args.RunID)
	if err != nil {
		return CompensationResponse{}, fmt.Errorf("compensate failed: %w", err)
	}
	return CompensationResponse{Run: run, Result: result}, nil
}

func (s *Server) registerResources() {
	// EXPOSE: lattice://runs
	s.mcpServer.AddResource(mcp.NewResource("lattice://runs", "Known workflow runs",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ids, err := s.engine.Runs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		if ids == nil {
			ids = []string{}
		}
		data, err := codec.Marshal(ids)
		if err != nil {
			return nil, err
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "lattice://runs",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
