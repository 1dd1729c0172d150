package tui

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/scheduler"
)

// SaveFunc persists edited scheduler settings. It returns the config as
// stored, so the form reopens with normalized values.
type SaveFunc func(scheduler.Config) (scheduler.Config, error)

// SettingsPaneModel manages the scheduler settings form overlay.
type SettingsPaneModel struct {
	form    *huh.Form
	config  scheduler.Config
	save    SaveFunc
	width   int
	height  int
	visible bool
	saved   bool
	err     error

	// Form field bindings (strings for Huh)
	provider     string
	directory    string
	pollInterval string
	stuckTimeout string
	concurrency  string
	email        string
	whatsapp     string
	slackWebhook string
}

// NewSettingsPaneModel creates a new settings pane. A nil save disables it.
func NewSettingsPaneModel(cfg scheduler.Config, save SaveFunc) SettingsPaneModel {
	m := SettingsPaneModel{config: cfg, save: save}
	m.loadFields()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFields() {
	m.provider = string(m.config.DefaultProvider)
	m.directory = m.config.DefaultDirectory
	m.pollInterval = m.config.PollInterval.String()
	m.stuckTimeout = m.config.StuckTimeout.String()
	m.concurrency = strconv.Itoa(m.config.Concurrency)
	m.email = m.config.Notify.Email
	m.whatsapp = m.config.Notify.WhatsApp
	m.slackWebhook = m.config.Notify.SlackWebhook
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("must be positive")
	}
	return nil
}

func validateConcurrency(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if n < 1 {
		return errors.New("must be at least 1")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("provider").
				Title("Default Provider").
				Options(
					huh.NewOption("Claude", string(backend.ProviderClaude)),
					huh.NewOption("Codex", string(backend.ProviderCodex)),
				).
				Value(&m.provider),

			huh.NewInput().
				Key("directory").
				Title("Default Directory").
				Value(&m.directory),

			huh.NewInput().
				Key("concurrency").
				Title("Agents Started At Once").
				Value(&m.concurrency).
				Validate(validateConcurrency),
		).Title("Pipeline Defaults"),

		huh.NewGroup(
			huh.NewInput().
				Key("pollInterval").
				Title("Poll Interval").
				Value(&m.pollInterval).
				Placeholder("5s").
				Validate(validateDuration),

			huh.NewInput().
				Key("stuckTimeout").
				Title("Stuck Timeout").
				Value(&m.stuckTimeout).
				Placeholder("5m").
				Validate(validateDuration),
		).Title("Timing"),

		huh.NewGroup(
			huh.NewInput().
				Key("email").
				Title("Email").
				Value(&m.email),

			huh.NewInput().
				Key("whatsapp").
				Title("WhatsApp Number").
				Value(&m.whatsapp).
				Placeholder("+15551234567"),

			huh.NewInput().
				Key("slackWebhook").
				Title("Slack Webhook").
				Value(&m.slackWebhook),
		).Title("Notifications"),
	)
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
		// Cancel without saving
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.commit()
		// Hide form after successful save
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// commit copies validated form values into a config and hands it to save.
func (m *SettingsPaneModel) commit() {
	cfg, err := m.applyForm()
	if err == nil {
		cfg, err = m.save(cfg)
	}
	if err != nil {
		m.err = err
		m.saved = false
		return
	}
	m.config = cfg
	m.saved = true
	m.err = nil
}

// applyForm copies form field values into a copy of the current config.
func (m *SettingsPaneModel) applyForm() (scheduler.Config, error) {
	cfg := m.config

	poll, err := time.ParseDuration(m.pollInterval)
	if err != nil {
		return cfg, fmt.Errorf("poll interval: %w", err)
	}
	stuck, err := time.ParseDuration(m.stuckTimeout)
	if err != nil {
		return cfg, fmt.Errorf("stuck timeout: %w", err)
	}
	concurrency, err := strconv.Atoi(m.concurrency)
	if err != nil {
		return cfg, fmt.Errorf("concurrency: %w", err)
	}

	cfg.DefaultProvider = backend.ProviderKind(m.provider)
	cfg.DefaultDirectory = m.directory
	cfg.PollInterval = poll
	cfg.StuckTimeout = stuck
	cfg.Concurrency = concurrency
	cfg.Notify.Email = m.email
	cfg.Notify.WhatsApp = m.whatsapp
	cfg.Notify.SlackWebhook = m.slackWebhook
	return cfg, nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
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
		Render("⚙ Scheduler Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing rebuilds the form
// from the last saved config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	if v {
		m.loadFields()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// Enabled reports whether settings can be saved.
func (m SettingsPaneModel) Enabled() bool {
	return m.save != nil
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was stored.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}

// Config is the last saved scheduler config.
func (m SettingsPaneModel) Config() scheduler.Config {
	return m.config
}
