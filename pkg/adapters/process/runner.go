package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
)

// NodeType is the node type served by the Runner when registered with registry.Handlers.
const NodeType = "process"

// DefaultGracePeriod is how long a cancelled process may take to exit after the interrupt.
const DefaultGracePeriod = 5 * time.Second

// ErrNotRegistered is returned for commands missing from the allow-list.
var ErrNotRegistered = errors.New("process not registered")

// Runner executes local processes as workflow nodes and compensation handlers.
// It follows a Strict Registry pattern for security (Allow-Listing).
type Runner struct {
	registry    map[string]RegisteredProcess
	allowInline bool
	baseDir     string
	grace       time.Duration
	logger      *slog.Logger
}

// RegisteredProcess defines an allowed command execution.
type RegisteredProcess struct {
	Command string
	Args    []string // Default/Template args
	Env     map[string]string
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithRegistry populates the allow-list from a loaded config.
func WithRegistry(procs map[string]ProcessConfig) RunnerOption {
	return func(r *Runner) {
		for name, p := range procs {
			r.registry[name] = RegisteredProcess{Command: p.Command, Args: p.Args, Env: p.Environment}
		}
	}
}

// WithInlineExecution enables ad-hoc execution (Dangerous).
func WithInlineExecution(allow bool) RunnerOption {
	return func(r *Runner) {
		r.allowInline = allow
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// WithGracePeriod sets how long a cancelled process may run after being interrupted
// before it is killed.
func WithGracePeriod(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.grace = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a new Process Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: make(map[string]RegisteredProcess),
		grace:    DefaultGracePeriod,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted script/command to the allow-list.
func (r *Runner) Register(name string, command string, args ...string) {
	r.registry[name] = RegisteredProcess{
		Command: command,
		Args:    args,
	}
}

// Execute runs the process named by the node config and parses its stdout as the node output.
func (r *Runner) Execute(ctx context.Context, req ports.NodeRequest) (ports.NodeResult, error) {
	cfg, err := decodeNodeConfig(req.Config)
	if err != nil {
		return ports.NodeResult{}, err
	}

	proc, err := r.resolve(cfg)
	if err != nil {
		return ports.NodeResult{}, err
	}

	env := argEnv(cfg.Args)
	env = append(env,
		"LATTICE_RUN_ID="+req.RunID,
		"LATTICE_NODE_ID="+req.NodeID,
		"LATTICE_ATTEMPT="+strconv.Itoa(req.Attempt),
	)
	if key, ok := req.Context[domain.KeyIdempotency].(string); ok {
		env = append(env, "LATTICE_IDEMPOTENCY_KEY="+key)
	}

	stdout, err := r.run(ctx, proc, env)
	if err != nil {
		return ports.NodeResult{}, err
	}
	return ports.NodeResult{Output: parseOutput(stdout)}, nil
}

// Compensate runs the allow-listed process named by the handler reference. The output the
// node produced is passed as JSON in LATTICE_PRIOR_OUTPUT.
func (r *Runner) Compensate(ctx context.Context, req ports.CompensationRequest) error {
	proc, ok := r.registry[req.Handler]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, req.Handler)
	}

	env := argEnv(req.Args)
	env = append(env,
		"LATTICE_RUN_ID="+req.RunID,
		"LATTICE_NODE_ID="+req.NodeID,
		"LATTICE_COMPENSATE=1",
	)
	if req.PriorOutput != nil {
		if data, err := codec.Marshal(req.PriorOutput); err == nil {
			env = append(env, "LATTICE_PRIOR_OUTPUT="+string(data))
		}
	}

	_, err := r.run(ctx, proc, env)
	return err
}

func (r *Runner) resolve(cfg nodeConfig) (RegisteredProcess, error) {
	if cfg.Process != "" {
		proc, ok := r.registry[cfg.Process]
		if !ok {
			return RegisteredProcess{}, fmt.Errorf("%w: %s", ErrNotRegistered, cfg.Process)
		}
		return proc, nil
	}
	if cfg.Exec != nil && cfg.Exec.Command != "" {
		if !r.allowInline {
			return RegisteredProcess{}, fmt.Errorf("inline execution of %q is disabled", cfg.Exec.Command)
		}
		return RegisteredProcess{Command: cfg.Exec.Command, Args: cfg.Exec.Args}, nil
	}
	return RegisteredProcess{}, errors.New("process node config names neither process nor exec")
}

// run starts the command and waits for it. Arguments reach the process only through the
// environment so they can never be interpreted as flags.
func (r *Runner) run(ctx context.Context, proc RegisteredProcess, env []string) (string, error) {
	cmd := exec.CommandContext(ctx, proc.Command, proc.Args...)
	cmd.Dir = r.baseDir
	cmd.Env = append(cmd.Environ(), env...)
	for k, v := range proc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Ask politely first; exec kills the process once the grace period is over.
	cmd.Cancel = func() error {
		if runtime.GOOS == "windows" {
			return cmd.Process.Kill()
		}
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("process finished", "command", proc.Command, "duration", time.Since(start), "err", err)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("execution of %s cancelled: %w", proc.Command, ctxErr)
	}
	if err != nil {
		return "", fmt.Errorf("execution failed: %w. Stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// argEnv renders args as LATTICE_ARG_<KEY> variables. Primitives are formatted with %v,
// maps and slices as JSON.
func argEnv(args map[string]any) []string {
	env := make([]string, 0, len(args))
	for k, v := range args {
		var val string
		switch v.(type) {
		case string, int, int64, float64, bool:
			val = fmt.Sprintf("%v", v)
		case nil:
			val = ""
		default:
			if data, err := codec.Marshal(v); err == nil {
				val = string(data)
			} else {
				val = fmt.Sprintf("%v", v)
			}
		}
		env = append(env, fmt.Sprintf("LATTICE_ARG_%s=%s", strings.ToUpper(k), val))
	}
	return env
}

// parseOutput turns stdout into a node output. A JSON object is used as is, any other
// JSON value is stored under "result" and plain text under "stdout".
func parseOutput(stdout string) map[string]any {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return map[string]any{}
	}

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := codec.Unmarshal([]byte(trimmed), &v); err == nil {
			if obj, ok := v.(map[string]any); ok {
				return obj
			}
			return map[string]any{"result": v}
		}
	}
	return map[string]any{"stdout": trimmed}
}
