// Package tui is a terminal monitor for agents and the pipeline, driven by
// the event bus.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentmon/internal/agent"
	"github.com/aristath/agentmon/internal/events"
	"github.com/aristath/agentmon/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneAgents PaneID = iota
	PanePipeline
	paneCount
)

// busClosedMsg is delivered once the event subscription is closed.
type busClosedMsg struct{}

// Snapshot is the state loaded from the store before events start flowing.
type Snapshot struct {
	Agents   []*agent.Agent
	Messages map[string][]agent.Message // agentID -> transcript
	Tasks    []*scheduler.Task
	Config   scheduler.Config
}

// Options configures the monitor.
type Options struct {
	Bus      *events.EventBus
	Snapshot Snapshot
	// SaveConfig enables the scheduler settings form.
	SaveConfig SaveFunc
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	agentPane    AgentPaneModel
	pipelinePane PipelinePaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	bus          *events.EventBus
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(opts Options) Model {
	m := Model{
		agentPane:    NewAgentPaneModel(),
		pipelinePane: NewPipelinePaneModel(),
		settingsPane: NewSettingsPaneModel(opts.Snapshot.Config, opts.SaveConfig),
		focusedPane:  PaneAgents,
		bus:          opts.Bus,
		eventSub:     opts.Bus.SubscribeAll(256),
	}
	for _, a := range opts.Snapshot.Agents {
		m.agentPane.Seed(a, opts.Snapshot.Messages[a.ID])
	}
	m.pipelinePane.Seed(opts.Snapshot.Tasks, opts.Snapshot.Config.Running)
	m.updateFocusStates()
	return m
}

// Close releases the event subscription.
func (m Model) Close() {
	m.bus.Unsubscribe(m.eventSub)
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// If settings panel is open, route all keys to it (modal behavior)
		if m.showSettings {
			if msg.String() == KeyEsc {
				m.showSettings = false
				m.settingsPane.SetVisible(false)
				return m, nil
			}
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			// The pane closes itself after a successful save
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
			if !m.settingsPane.Enabled() {
				break
			}
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
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PanePipeline
			m.updateFocusStates()

		default:
			// Delegate to focused pane
			if m.focusedPane == PaneAgents {
				var cmd tea.Cmd
				m.agentPane, cmd = m.agentPane.Update(msg)
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
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.AgentMessageEvent, events.AgentStatusEvent:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.TaskUpdateEvent, events.PipelineProgressEvent, events.PipelineCompleteEvent, events.SchedulerStatusEvent:
		var cmd tea.Cmd
		m.pipelinePane, cmd = m.pipelinePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// Not displayed, but consume and wait for next event
		cmds = append(cmds, waitForEvent(m.eventSub))

	case busClosedMsg:
		m.quitting = true
		return m, tea.Quit

	default:
		// Huh emits its own messages while the form is open
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
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

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), m.pipelinePane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView(m.settingsPane.Enabled()))
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve 1 line for help bar

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.pipelinePane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.pipelinePane.SetFocused(m.focusedPane == PanePipeline)
}
