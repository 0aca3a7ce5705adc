package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/aretw0/lattice/internal/codec"
	"github.com/aretw0/lattice/pkg/domain"
)

// SignalContext wraps a context and captures the signal that cancelled it.
type SignalContext struct {
	context.Context
	Cancel func()
	start  sync.Once
	stop   sync.Once
	sigCh  chan os.Signal
	sigVal os.Signal
	mu     sync.Mutex
}

// NewSignalContext creates a context that is cancelled on SIGINT or SIGTERM.
// It acts as a drop-in replacement for signal.NotifyContext but allows retrieving the signal.
func NewSignalContext(parent context.Context) *SignalContext {
	ctx, cancel := context.WithCancel(parent)
	sc := &SignalContext{
		Context: ctx,
		Cancel:  cancel,
		sigCh:   make(chan os.Signal, 1),
	}

	sc.start.Do(func() {
		signal.Notify(sc.sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sc.sigCh:
				sc.mu.Lock()
				sc.sigVal = sig
				sc.mu.Unlock()
				sc.Cancel()
			case <-sc.Context.Done():
				// Context cancelled elsewhere
			}
			sc.stop.Do(func() {
				signal.Stop(sc.sigCh)
			})
		}()
	})

	return sc
}

// Signal returns the signal that caused the context to be cancelled, or nil.
func (sc *SignalContext) Signal() os.Signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sigVal
}

// IsInterrupted reports whether err comes from a cancelled context.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

// ParseInput builds a run input from a JSON object and key=value pairs.
// Pairs win over JSON keys; their values are parsed as JSON when possible
// (numbers, booleans, objects) and kept as strings otherwise.
func ParseInput(jsonInput string, pairs []string) (map[string]any, error) {
	input := make(map[string]any)
	if strings.TrimSpace(jsonInput) != "" {
		if err := codec.Unmarshal([]byte(jsonInput), &input); err != nil {
			return nil, fmt.Errorf("invalid JSON input: %w", err)
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		var v any
		if err := codec.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		input[key] = v
	}
	return input, nil
}

// ParseVersion parses a non-negative run version.
func ParseVersion(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return v, nil
}

func createDebugHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnEventAppended: func(ctx context.Context, ev *domain.ExecutionEvent) {
			logger.Debug("Event Appended", "run_id", ev.RunID, "seq", ev.Sequence, "kind", ev.Kind, "node_id", ev.NodeID())
		},
		OnConflict: func(ctx context.Context, runID string, err error) {
			logger.Debug("Commit Conflict", "run_id", runID, "err", err)
		},
		OnNodeFinished: func(ctx context.Context, o *domain.NodeOutcome) {
			if o.Err != nil {
				logger.Debug("Node Finished (Error)", "run_id", o.RunID, "node_id", o.NodeID, "attempt", o.Attempt, "status", o.Status, "err", o.Err)
			} else {
				logger.Debug("Node Finished (Success)", "run_id", o.RunID, "node_id", o.NodeID, "attempt", o.Attempt, "duration", o.Duration)
			}
		},
		OnRunFinished: func(ctx context.Context, run *domain.WorkflowRun) {
			logger.Debug("Run Finished", "run_id", run.ID, "status", run.Status, "version", run.Version)
		},
		OnStuck: func(ctx context.Context, run *domain.WorkflowRun, err *domain.StuckWorkflowError) {
			logger.Debug("Run Stuck", "run_id", run.ID, "blocked", err.Blocked)
		},
	}
}
