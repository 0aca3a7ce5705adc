package tui_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/aretw0/lattice/internal/presentation/tui"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
)

func TestPrinter_PlainWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := tui.NewPrinter(&buf)

	assert.Equal(t, "COMPLETED", p.Status("COMPLETED"))
	p.PrintBanner()
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestPrinter_ColorsWithProfile(t *testing.T) {
	var buf bytes.Buffer
	p := tui.NewPrinterWithProfile(&buf, termenv.TrueColor)
	assert.Contains(t, p.Status("FAILED"), "\x1b[")
}

func TestPrinter_PrintRun(t *testing.T) {
	var buf bytes.Buffer
	p := tui.NewPrinter(&buf)

	p.PrintRun(&domain.WorkflowRun{
		ID:                "r-1",
		TenantID:          "acme",
		DefinitionID:      "checkout",
		DefinitionVersion: 2,
		Status:            domain.RunFailed,
		Version:           9,
		Error:             &domain.ErrorInfo{Code: "NODE_FAILED", Message: "card declined"},
		Nodes: map[string]*domain.NodeExecution{
			"reserve": {NodeID: "reserve", Status: domain.NodeCompleted, Attempt: 1},
			"charge": {NodeID: "charge", Status: domain.NodeFailed, Attempt: 3,
				Error: &domain.ErrorInfo{Message: "card declined"}},
		},
		Outputs: map[string]any{"receipt": "none"},
	})

	out := buf.String()
	assert.Contains(t, out, "Run:        r-1")
	assert.Contains(t, out, "acme/checkout (v2)")
	assert.Contains(t, out, "Status:     FAILED")
	assert.Contains(t, out, "NODE_FAILED: card declined")
	assert.Contains(t, out, "receipt = none")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("charge")), bytes.Index(buf.Bytes(), []byte("reserve")))
}

func TestPrinter_PrintHistory(t *testing.T) {
	var buf bytes.Buffer
	p := tui.NewPrinter(&buf)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	failed := domain.NewNodeFailed("r-1", "charge", 1, domain.ErrorInfo{Code: "NODE_TIMEOUT", Message: "deadline"}, true)
	failed.Sequence, failed.OccurredAt = 2, at
	started := domain.NewWorkflowStarted("r-1", &domain.WorkflowDefinition{ID: "checkout", Version: 1}, "acme", nil)
	started.Sequence, started.OccurredAt = 1, at

	p.PrintHistory([]*domain.ExecutionEvent{started, failed})

	out := buf.String()
	assert.Contains(t, out, "workflow_started")
	assert.Contains(t, out, "acme/checkout v1")
	assert.Contains(t, out, "NODE_TIMEOUT: deadline (will retry)")
	assert.Contains(t, out, "03:04:05.000")
}

func TestPrinter_PrintCompensation(t *testing.T) {
	var buf bytes.Buffer
	p := tui.NewPrinter(&buf)

	p.PrintCompensation(domain.CompensationResult{
		Success:     false,
		Strategy:    domain.StrategySequential,
		Compensated: []string{"hold"},
		Failures:    []domain.CompensationFailure{{NodeID: "reserve", Error: "gone"}},
		Skipped:     []string{"init"},
	})

	out := buf.String()
	assert.Contains(t, out, "Compensation failed (SEQUENTIAL)")
	assert.Contains(t, out, "compensated: hold")
	assert.Contains(t, out, "reserve: gone")
	assert.Contains(t, out, "skipped:     init")
}
