package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/forge/internal/scheduler"
)

// Task display states.
const (
	statusRetrying  = "retrying"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// listWidth is the width of the task list column.
const listWidth = 28

// TaskState is what the pane knows about one task.
type TaskState struct {
	TaskID   string
	Status   string
	Attempts int
	Output   []string
	Duration time.Duration
}

// TaskPaneModel lists tasks and shows the selected task's attempts.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	taskOrder   []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes.
type tickMsg struct {
	tag int
}

// Update handles key input for the pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// AddResult records one dispatched attempt.
func (m TaskPaneModel) AddResult(res scheduler.ExecutionResult) (TaskPaneModel, tea.Cmd) {
	task := m.task(res.TaskID)
	task.Attempts++
	task.Duration += res.Duration

	header := fmt.Sprintf("--- %s (%v)", res.AttemptID, res.Duration.Round(time.Millisecond))
	task.Output = append(task.Output, header)
	if out := strings.TrimSpace(res.Output); out != "" {
		task.Output = append(task.Output, out)
	}
	if res.Success {
		task.Status = statusCompleted
	} else {
		task.Status = statusFailed
		task.Output = append(task.Output, "error: "+res.Error)
	}
	return m.refresh(res.TaskID)
}

// AddResolution records a resolver verdict for a task.
func (m TaskPaneModel) AddResolution(ev scheduler.ResolutionEvent) (TaskPaneModel, tea.Cmd) {
	task := m.task(ev.TaskID)
	res := ev.Resolution
	tier := res.Tier
	if tier == "" {
		tier = "none"
	}
	line := fmt.Sprintf("[%s tier, attempt %d] %s", tier, ev.Attempt+1, res.Analysis)
	if res.RetryCommand != "" {
		line += "\n  retry: " + res.RetryCommand
	}
	task.Output = append(task.Output, line)
	if res.Fixed && !res.Skip && task.Status == statusFailed {
		task.Status = statusRetrying
	}
	return m.refresh(ev.TaskID)
}

// task returns the state for id, creating it on first sight.
func (m *TaskPaneModel) task(id string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id}
	m.tasks[id] = t
	m.taskOrder = append(m.taskOrder, id)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
	}
	return t
}

// refresh schedules a debounced viewport update when id is selected.
func (m TaskPaneModel) refresh(id string) (TaskPaneModel, tea.Cmd) {
	if m.selectedTaskID() != id {
		return m, nil
	}
	m.updateTag++
	tag := m.updateTag
	return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(),
		lipgloss.NewStyle().
			Width(m.width-listWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		task := m.tasks[id]
		name := id
		if len(name) > listWidth-8 {
			name = name[:listWidth-11] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
		if task.Attempts > 1 {
			line += fmt.Sprintf(" x%d", task.Attempts)
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case statusRetrying:
		return StyleStatusRunning.Render("↻")
	case statusCompleted:
		return StyleStatusComplete.Render("✓")
	case statusFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// updateViewportContent shows the selected task's log, scrolled to the end.
func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-listWidth-4, 10)
	m.viewport.Height = max(h-4, 5)
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
