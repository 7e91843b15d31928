// Package tui renders a live view of a session from bus messages.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/config"
	"github.com/aristath/forge/internal/orchestrator"
	"github.com/aristath/forge/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneProgress
	paneCount
)

// DoneMsg tells the view the session has ended.
type DoneMsg struct {
	Err error
}

// busClosedMsg is delivered once the subscription channel is closed.
type busClosedMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	progressPane ProgressPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	sub          <-chan bus.Message
	width        int
	height       int
	quitting     bool
	showSettings bool
	done         bool
}

// New creates the model and subscribes it to every bus message.
func New(b *bus.Bus, cfg *config.Config, globalPath, projectPath string) Model {
	return Model{
		taskPane:     NewTaskPaneModel(),
		progressPane: NewProgressPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneTasks,
		sub:          b.SubscribeAll(512),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForMessage(m.sub)
}

// waitForMessage returns a command that waits for the next bus message.
func waitForMessage(sub <-chan bus.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return msg
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The settings form is modal.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, cmd
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())
		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()
		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()
		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()
		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()
		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case bus.Message:
		cmds = append(cmds, m.handleBusMessage(msg), waitForMessage(m.sub))

	case busClosedMsg:
		// No more messages; keep showing the final state.

	case DoneMsg:
		m.done = true
		m.progressPane.Finish(msg.Err)

	default:
		// Forms emit their own messages (cursor blink and the like).
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// handleBusMessage routes one bus message to the pane that shows it.
func (m *Model) handleBusMessage(msg bus.Message) tea.Cmd {
	var cmd tea.Cmd
	switch msg.Action {
	case bus.ActionTaskResult:
		if res, ok := msg.Payload.(scheduler.ExecutionResult); ok {
			m.taskPane, cmd = m.taskPane.AddResult(res)
		}
	case bus.ActionResolution:
		if ev, ok := msg.Payload.(scheduler.ResolutionEvent); ok {
			m.taskPane, cmd = m.taskPane.AddResolution(ev)
		}
	case bus.ActionPhase:
		if ev, ok := msg.Payload.(orchestrator.PhaseEvent); ok {
			m.progressPane.SetPhase(ev)
		}
	case bus.ActionLog, bus.ActionProgress:
		if n, ok := msg.Payload.(bus.Notification); ok {
			m.progressPane.AddNotification(n)
		}
	case bus.ActionStateChanged:
		if change, ok := msg.Payload.(bus.StateChange); ok && change.Key == bus.KeyExecutionProgress {
			if p, ok := change.Value.(scheduler.Progress); ok {
				m.progressPane.SetExecution(p)
			}
		}
	}
	return cmd
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	panes := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.progressPane.View())
	help := HelpView()
	if m.done {
		help = StyleHelp.Render("Session ended | q: quit")
	}
	return lipgloss.JoinVertical(lipgloss.Left, panes, help)
}

// computeLayout splits the screen 60/40 between the task and progress panes.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
