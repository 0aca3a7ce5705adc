package tui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Printer renders runs, histories and compensation results for humans.
// Colors are used only when the destination is a terminal.
type Printer struct {
	out     io.Writer
	profile termenv.Profile
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	profile := termenv.Ascii
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		profile = termenv.ColorProfile()
	}
	return &Printer{out: w, profile: profile}
}

// NewPrinterWithProfile forces a color profile.
func NewPrinterWithProfile(w io.Writer, profile termenv.Profile) *Printer {
	return &Printer{out: w, profile: profile}
}

func (p *Printer) paint(s, color string) string {
	return p.profile.String(s).Foreground(p.profile.Color(color)).String()
}

func statusColor(status string) string {
	switch status {
	case string(domain.RunCompleted), string(domain.RunCompensated):
		return "#22c55e"
	case string(domain.RunFailed), string(domain.RunCompensationFailed):
		return "#ef4444"
	case string(domain.RunSuspended), string(domain.NodeRetrying):
		return "#eab308"
	case string(domain.RunCancelled):
		return "#a1a1aa"
	default:
		return "#38bdf8"
	}
}

// Status returns the status label, colored.
func (p *Printer) Status(status string) string {
	return p.paint(status, statusColor(status))
}

// PrintRun writes a run summary followed by one line per node.
func (p *Printer) PrintRun(run *domain.WorkflowRun) {
	fmt.Fprintf(p.out, "Run:        %s\n", run.ID)
	fmt.Fprintf(p.out, "Definition: %s/%s (v%d)\n", run.TenantID, run.DefinitionID, run.DefinitionVersion)
	fmt.Fprintf(p.out, "Status:     %s\n", p.Status(string(run.Status)))
	fmt.Fprintf(p.out, "Version:    %d\n", run.Version)
	if run.WaitingOnNode != "" {
		fmt.Fprintf(p.out, "Waiting on: %s (%s)\n", run.WaitingOnNode, run.SuspendReason)
	}
	if run.CancelReason != "" {
		fmt.Fprintf(p.out, "Cancelled:  %s\n", run.CancelReason)
	}
	if run.Error != nil {
		fmt.Fprintf(p.out, "Error:      %s\n", p.paint(formatError(run.Error), "#ef4444"))
	}

	ids := make([]string, 0, len(run.Nodes))
	for id := range run.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		fmt.Fprintln(p.out)
		tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE\tSTATUS\tATTEMPT\tERROR")
		for _, id := range ids {
			n := run.Nodes[id]
			errMsg := ""
			if n.Error != nil {
				errMsg = formatError(n.Error)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", id, p.Status(string(n.Status)), n.Attempt, errMsg)
		}
		tw.Flush()
	}

	if len(run.Outputs) > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Outputs:")
		keys := make([]string, 0, len(run.Outputs))
		for k := range run.Outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(p.out, "  %s = %v\n", k, run.Outputs[k])
		}
	}
}

// PrintHistory writes one line per ledger event.
func (p *Printer) PrintHistory(events []*domain.ExecutionEvent) {
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tKIND\tNODE\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			ev.Sequence,
			ev.OccurredAt.Format("15:04:05.000"),
			ev.Kind,
			ev.NodeID(),
			eventDetail(ev),
		)
	}
	tw.Flush()
}

// PrintCompensation writes the outcome of a saga unwind.
func (p *Printer) PrintCompensation(result domain.CompensationResult) {
	outcome := p.paint("succeeded", "#22c55e")
	if !result.Success {
		outcome = p.paint("failed", "#ef4444")
	}
	fmt.Fprintf(p.out, "Compensation %s", outcome)
	if result.Strategy != "" {
		fmt.Fprintf(p.out, " (%s)", result.Strategy)
	}
	fmt.Fprintln(p.out)
	if len(result.Compensated) > 0 {
		fmt.Fprintf(p.out, "  compensated: %s\n", strings.Join(result.Compensated, ", "))
	}
	for _, f := range result.Failures {
		fmt.Fprintf(p.out, "  failed:      %s: %s\n", f.NodeID, f.Error)
	}
	if len(result.Skipped) > 0 {
		fmt.Fprintf(p.out, "  skipped:     %s\n", strings.Join(result.Skipped, ", "))
	}
}

func formatError(e *domain.ErrorInfo) string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func eventDetail(ev *domain.ExecutionEvent) string {
	switch ev.Kind {
	case domain.EventWorkflowStarted:
		d := ev.WorkflowStarted
		return fmt.Sprintf("%s/%s v%d", d.TenantID, d.DefinitionID, d.DefinitionVersion)
	case domain.EventNodeScheduled:
		return fmt.Sprintf("attempt %d", ev.NodeScheduled.Attempt)
	case domain.EventNodeFailed:
		d := ev.NodeFailed
		detail := formatError(&d.Error)
		if d.WillRetry {
			detail += " (will retry)"
		}
		return detail
	case domain.EventWorkflowSuspended:
		return ev.WorkflowSuspended.Reason
	case domain.EventWorkflowResumed:
		return ev.WorkflowResumed.Signal
	case domain.EventWorkflowFailed:
		return formatError(&ev.WorkflowFailed.Error)
	case domain.EventWorkflowCancelled:
		return ev.WorkflowCancelled.Reason
	case domain.EventGeneric:
		return ev.Generic.Name
	case domain.EventCompensationStarted:
		return string(ev.CompensationStarted.Strategy)
	case domain.EventNodeCompensated:
		if ev.NodeCompensated.Error != nil {
			return formatError(ev.NodeCompensated.Error)
		}
	case domain.EventCompensationFinished:
		if ev.CompensationFinished.Success {
			return "success"
		}
		return "failure"
	}
	return ""
}
