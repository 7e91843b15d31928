package tui

import (
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/forge/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved settings apply
// to the next run, not the one in progress.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings (strings for huh)
	saveTarget      string
	completionType  string
	completionModel string
	sandboxRuntime  string
	maxRetries      string
	logLevel        string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	m.saveTarget = "project"
	m.completionType = m.config.Completion.Type
	m.completionModel = m.config.Completion.Model
	m.sandboxRuntime = m.config.Sandbox.Runtime
	m.maxRetries = strconv.Itoa(m.config.Engine.MaxRetryAttempts)
	m.logLevel = m.config.Logging.Level
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project (.forge/config.json)", "project"),
					huh.NewOption("Global (~/.forge/config.json)", "global"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("completionType").
				Title("Completion Service").
				Options(
					huh.NewOption("Claude CLI", "claude"),
					huh.NewOption("Ollama", "ollama"),
					huh.NewOption("Gemini", "gemini"),
					huh.NewOption("Disabled (rules and fallbacks only)", "none"),
				).
				Value(&m.completionType),

			huh.NewInput().
				Key("completionModel").
				Title("Model").
				Value(&m.completionModel).
				Placeholder("backend default"),
		).Title("Error Resolution"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("sandboxRuntime").
				Title("Sandbox Runtime").
				Options(
					huh.NewOption("Local directories", "local"),
					huh.NewOption("Docker", "docker"),
				).
				Value(&m.sandboxRuntime),

			huh.NewInput().
				Key("maxRetries").
				Title("Max Retry Attempts").
				Value(&m.maxRetries).
				Validate(validatePositive),

			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&m.logLevel),
		).Title("Execution"),
	)
}

func validatePositive(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.applyFormToConfig()

		targetPath := m.projectPath
		if m.saveTarget == "global" {
			targetPath = m.globalPath
		}
		m.err = m.config.Validate()
		if m.err == nil {
			m.err = config.Save(m.config, targetPath)
		}
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// applyFormToConfig copies form field values back to the config.
func (m *SettingsPaneModel) applyFormToConfig() {
	m.config.Completion.Type = m.completionType
	m.config.Completion.Model = m.completionModel
	m.config.Sandbox.Runtime = m.sandboxRuntime
	if n, err := strconv.Atoi(m.maxRetries); err == nil {
		m.config.Engine.MaxRetryAttempts = n
	}
	m.config.Logging.Level = m.logLevel
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = StyleStatusFailed.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil && w > 8 && h > 8 {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing rebuilds the form
// from the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFromConfig()
		m.buildForm()
		m.SetSize(m.width, m.height)
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
