package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/lattice/pkg/domain"
)

// GraphOverlay contains run state to visualize on the graph.
type GraphOverlay struct {
	// NodeStatus maps node IDs to their execution status.
	NodeStatus map[string]domain.NodeStatus

	// Compensated lists nodes whose compensation ran successfully.
	Compensated []string

	// WaitingOn is the node a suspended run waits on.
	WaitingOn string
}

// OverlayFromRun builds an overlay from a run snapshot.
func OverlayFromRun(run *domain.WorkflowRun) *GraphOverlay {
	if run == nil {
		return nil
	}
	o := &GraphOverlay{
		NodeStatus: make(map[string]domain.NodeStatus, len(run.Nodes)),
		WaitingOn:  run.WaitingOnNode,
	}
	for id, exec := range run.Nodes {
		o.NodeStatus[id] = exec.Status
	}
	if run.Compensation != nil {
		o.Compensated = append(o.Compensated, run.Compensation.Compensated...)
	}
	return o
}

// GenerateMermaid produces a Mermaid flowchart of a workflow definition.
// It applies semantic styling:
// - Entry nodes (no dependencies): ((Circle))
// - Nodes with a compensation handler: [[Subroutine]]
// - Default: [Rectangle]
// Dependencies are solid arrows, informational edges dotted. Overlay styles are applied if provided.
func GenerateMermaid(def *domain.WorkflowDefinition, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	deps := make(map[[2]string]bool)
	for _, node := range def.Nodes {
		safeID := sanitizeMermaidID(node.ID)

		opener, closer := "[", "]"
		switch {
		case len(node.DependsOn) == 0:
			opener, closer = "((", "))"
		case node.Config[domain.KeyCompensation] != nil:
			opener, closer = "[[", "]]"
		}

		label := node.ID
		if node.Type != "" {
			label += " <br/> <i>" + node.Type + "</i>"
		}
		if timeout, ok := node.Config[domain.KeyTimeout]; ok {
			label += fmt.Sprintf(" <br/> ⏱️ %v", timeout)
		}
		sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s\n", safeID, opener, escapeLabel(label), closer))

		for _, dep := range node.DependsOn {
			deps[[2]string{dep, node.ID}] = true
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", sanitizeMermaidID(dep), safeID))
		}
	}

	for _, e := range def.Edges {
		if deps[[2]string{e.From, e.To}] {
			continue
		}
		sb.WriteString(fmt.Sprintf("    %s -.-> %s\n", sanitizeMermaidID(e.From), sanitizeMermaidID(e.To)))
	}

	if overlay != nil {
		writeOverlay(&sb, overlay)
	}
	return sb.String()
}

func writeOverlay(sb *strings.Builder, overlay *GraphOverlay) {
	sb.WriteString("\n    %% Overlay Styles\n")
	// Force black text (color:#000) for high-contrast on light backgrounds, regardless of theme (Light/Dark)
	sb.WriteString("    classDef completed fill:#e8f5e9,stroke:#1b5e20,stroke-width:2px,color:#000;\n")
	sb.WriteString("    classDef active fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
	sb.WriteString("    classDef retrying fill:#fff3e0,stroke:#e65100,stroke-width:2px,color:#000;\n")
	sb.WriteString("    classDef failed fill:#ffebee,stroke:#b71c1c,stroke-width:2px,color:#000;\n")
	sb.WriteString("    classDef compensated fill:#eceff1,stroke:#455a64,stroke-dasharray:4,color:#000;\n")

	ids := make([]string, 0, len(overlay.NodeStatus))
	for id := range overlay.NodeStatus {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	compensated := make(map[string]bool, len(overlay.Compensated))
	for _, id := range overlay.Compensated {
		compensated[id] = true
	}

	for _, id := range ids {
		class := ""
		switch overlay.NodeStatus[id] {
		case domain.NodeCompleted:
			class = "completed"
		case domain.NodePending, domain.NodeRunning:
			class = "active"
		case domain.NodeRetrying:
			class = "retrying"
		case domain.NodeFailed:
			class = "failed"
		}
		if compensated[id] {
			class = "compensated"
		}
		if class != "" {
			sb.WriteString(fmt.Sprintf("    class %s %s;\n", sanitizeMermaidID(id), class))
		}
	}
	if overlay.WaitingOn != "" {
		sb.WriteString(fmt.Sprintf("    class %s active;\n", sanitizeMermaidID(overlay.WaitingOn)))
	}
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
