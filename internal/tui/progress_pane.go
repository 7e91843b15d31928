package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/orchestrator"
	"github.com/aristath/forge/internal/scheduler"
)

// maxActivity is how many recent notifications the pane keeps.
const maxActivity = 200

// ProgressPaneModel shows the session phase, overall progress and recent
// notifications.
type ProgressPaneModel struct {
	bar       progress.Model
	sessionID string
	phase     orchestrator.Phase
	percent   int // session progress
	completed int
	total     int
	activity  []string
	done      bool
	err       error
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates the pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{
		bar:   progress.New(progress.WithDefaultGradient()),
		phase: orchestrator.PhaseInitializing,
	}
}

// SetPhase applies a session phase event. Progress never moves backwards.
func (m *ProgressPaneModel) SetPhase(ev orchestrator.PhaseEvent) {
	m.sessionID = ev.SessionID
	m.phase = ev.Phase
	m.percent = max(m.percent, ev.Progress)
}

// SetExecution applies an execution progress update.
func (m *ProgressPaneModel) SetExecution(p scheduler.Progress) {
	m.completed = p.Completed
	m.total = p.Total
}

// AddNotification appends a notification line.
func (m *ProgressPaneModel) AddNotification(n bus.Notification) {
	m.activity = append(m.activity, fmt.Sprintf("%s %s: %s", severityIcon(n.Severity), n.Agent, n.Message))
	if over := len(m.activity) - maxActivity; over > 0 {
		m.activity = m.activity[over:]
	}
}

// Finish marks the session as ended.
func (m *ProgressPaneModel) Finish(err error) {
	m.done = true
	m.err = err
}

func severityIcon(s bus.Severity) string {
	switch s {
	case bus.SeveritySuccess:
		return StyleStatusComplete.Render("✓")
	case bus.SeverityWarning:
		return StyleStatusRunning.Render("!")
	case bus.SeverityError:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("·")
	}
}

// View renders the pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Session")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "ID:    %s\n", m.sessionID)
	fmt.Fprintf(&b, "Phase: %s\n", m.phaseLabel())
	if m.total > 0 {
		fmt.Fprintf(&b, "Tasks: %d/%d\n", m.completed, m.total)
	}
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(float64(m.percent) / 100))
	b.WriteString("\n\n")

	// Show as many recent lines as fit.
	room := max(m.height-12, 1)
	start := max(len(m.activity)-room, 0)
	for _, line := range m.activity[start:] {
		b.WriteString(line)
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ProgressPaneModel) phaseLabel() string {
	label := string(m.phase)
	switch {
	case m.phase == orchestrator.PhaseCompleted:
		return StyleStatusComplete.Render(label)
	case m.phase == orchestrator.PhaseFailed:
		if m.err != nil {
			label += ": " + m.err.Error()
		}
		return StyleStatusFailed.Render(label)
	case m.phase == orchestrator.PhasePartiallyCompleted:
		return StyleStatusRunning.Render(label)
	case m.done:
		return StyleStatusPending.Render(label + " (stopped)")
	}
	return label
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = max(min(w-6, 60), 10)
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
