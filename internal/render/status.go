// Package render formats work item state for the terminal.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/lifecycle"
	"github.com/kingrea/ratchet/internal/machine"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/workitem"
)

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
)

type label struct {
	text  string
	style lipgloss.Style
}

// Status renders the lifecycle position, the next-action decision, and the
// artifact registry of one work item.
func Status(def lifecycle.Definition, item workitem.WorkItem, decision machine.Decision, reg integrity.Registry) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s  %s", item.ExternalID, item.Title)))
	b.WriteString("\n")
	b.WriteString(detailTextStyle.Render(fmt.Sprintf("id %s  workspace %s", item.ID, item.Workspace)))
	b.WriteString("\n\n")

	current := def.Index(item.Stage)
	for i, stage := range def.Stages {
		l := stageLabel(stage, i, current, item, decision)
		fmt.Fprintf(&b, "  %-10s %s\n", l.style.Render(l.text), stage.DisplayName())
	}
	b.WriteString("\n")
	b.WriteString(detailTextStyle.Render("next: " + decision.Reason))
	b.WriteString("\n")
	if stage, ok := def.Stage(item.Stage); ok && stage.IsGate() && len(stage.RollbackTo) > 0 && !item.Archived {
		b.WriteString(detailTextStyle.Render("send back to: " + strings.Join(stage.RollbackTo, ", ")))
		b.WriteString("\n")
	}

	if len(reg.Artifacts) > 0 {
		b.WriteString("\n")
		b.WriteString(Artifacts(reg))
	}
	return b.String()
}

func stageLabel(stage lifecycle.Stage, idx, current int, item workitem.WorkItem, decision machine.Decision) label {
	switch {
	case idx < current || item.Archived:
		return label{text: "done", style: labelStyleSkipped}
	case idx > current:
		return label{text: "", style: labelStyleDefault}
	case decision.Err != nil:
		return label{text: "blocked", style: labelStyleBlocked}
	case stage.IsGate():
		return label{text: "gate", style: labelStyleGate}
	case decision.Run:
		return label{text: "ready", style: labelStyleReady}
	default:
		return label{text: "active", style: labelStyleRunning}
	}
}

// Artifacts renders one line per tracked artifact.
func Artifacts(reg integrity.Registry) string {
	var b strings.Builder
	for _, art := range reg.Artifacts {
		l := artifactLabel(art.State)
		detail := ""
		if art.LockStage != "" {
			detail = "locked at " + art.LockStage
		}
		if art.Missing {
			detail = strings.TrimSpace(detail + " (missing)")
		}
		fmt.Fprintf(&b, "  %-10s %s %s\n", l.style.Render(l.text), art.Path, detailTextStyle.Render(detail))
	}
	return b.String()
}

func artifactLabel(state integrity.State) label {
	switch state {
	case integrity.StateApproved:
		return label{text: string(state), style: labelStyleReady}
	case integrity.StateStale:
		return label{text: string(state), style: labelStyleBlocked}
	case integrity.StateSuperseded:
		return label{text: string(state), style: labelStyleSkipped}
	default:
		return label{text: string(state), style: labelStyleDefault}
	}
}

// Locks renders the lock table.
func Locks(locks []ratchet.Lock) string {
	if len(locks) == 0 {
		return detailTextStyle.Render("no locks") + "\n"
	}
	var b strings.Builder
	for _, lock := range locks {
		l := label{text: "active", style: labelStyleReady}
		if !lock.Locked {
			l = label{text: "released", style: labelStyleSkipped}
		}
		path := lock.Path
		if lock.Glob {
			path += " (glob)"
		}
		hash := lock.ApprovedHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(&b, "  %-10s %s %s\n", l.style.Render(l.text), path, detailTextStyle.Render(strings.TrimSpace(lock.Stage+" "+hash)))
	}
	return b.String()
}

// History renders the approval event log oldest first.
func History(events []eventlog.Event) string {
	if len(events) == 0 {
		return detailTextStyle.Render("no events") + "\n"
	}
	var b strings.Builder
	for _, evt := range events {
		l := eventLabel(evt.Kind)
		line := fmt.Sprintf("%s -> %s by %s", evt.FromStage, evt.ToStage, evt.Actor)
		if evt.Reason != "" {
			line += ": " + evt.Reason
		}
		fmt.Fprintf(&b, "  %3d %s %-9s %s\n",
			evt.Sequence,
			detailTextStyle.Render(evt.Timestamp.Format("2006-01-02 15:04:05")),
			l.style.Render(l.text),
			line,
		)
	}
	return b.String()
}

func eventLabel(kind eventlog.Kind) label {
	switch kind {
	case eventlog.KindApprove:
		return label{text: string(kind), style: labelStyleReady}
	case eventlog.KindRollback:
		return label{text: string(kind), style: labelStyleBlocked}
	case eventlog.KindReopen:
		return label{text: string(kind), style: labelStyleGate}
	default:
		return label{text: string(kind), style: labelStyleDefault}
	}
}
