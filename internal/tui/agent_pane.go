package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentmon/internal/agent"
	"github.com/aristath/agentmon/internal/events"
)

// maxOutputLines bounds what the pane keeps per agent; the store has the rest.
const maxOutputLines = 2000

// AgentState is the pane's view of one agent.
type AgentState struct {
	ID           string
	Name         string
	Status       string
	Output       []string
	LastActivity time.Time
}

// AgentPaneModel represents the agent list and output viewport pane.
type AgentPaneModel struct {
	agents      map[string]*AgentState // agentID -> state
	agentOrder  []string               // insertion order for display
	selectedIdx int                    // which agent is selected in list
	viewport    viewport.Model         // scrollable output viewport
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	vp := viewport.New(0, 0)
	return AgentPaneModel{
		agents:   make(map[string]*AgentState),
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Seed adds an existing agent and its transcript so far.
func (m *AgentPaneModel) Seed(a *agent.Agent, history []agent.Message) {
	st := m.ensure(a.ID, a.Name)
	st.Status = string(a.Status)
	st.LastActivity = a.LastActivity
	for _, msg := range history {
		st.append(formatMessage(string(msg.Role), msg.Content))
	}
	if m.getSelectedAgentID() == a.ID {
		m.updateViewportContent()
	}
}

func (m *AgentPaneModel) ensure(id, name string) *AgentState {
	st, exists := m.agents[id]
	if !exists {
		st = &AgentState{ID: id, Name: name, Status: string(agent.StatusRunning)}
		m.agents[id] = st
		m.agentOrder = append(m.agentOrder, id)
		// Auto-select first agent
		if len(m.agentOrder) == 1 {
			m.selectedIdx = 0
		}
	}
	if name != "" {
		st.Name = name
	}
	return st
}

func (s *AgentState) append(line string) {
	s.Output = append(s.Output, line)
	if over := len(s.Output) - maxOutputLines; over > 0 {
		s.Output = s.Output[over:]
	}
}

func formatMessage(role, content string) string {
	style, ok := StyleRole[role]
	if !ok {
		return content
	}
	return style.Render("["+role+"]") + " " + content
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.agentOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			// Delegate other keys to viewport for scrolling
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.AgentStatusEvent:
		st := m.ensure(msg.AgentID, msg.Name)
		st.Status = msg.Status
		st.LastActivity = msg.Timestamp
		st.append(StyleStatusPending.Render(fmt.Sprintf("[status: %s]", msg.Status)))
		if m.getSelectedAgentID() == msg.AgentID {
			m.updateViewportContent()
		}

	case events.AgentMessageEvent:
		st := m.ensure(msg.AgentID, "")
		if msg.Role != "" {
			st.append(formatMessage(msg.Role, msg.Content))
		} else {
			st.append(msg.Raw)
		}
		st.LastActivity = msg.Timestamp
		// If this is the selected agent, update viewport with debouncing
		if m.getSelectedAgentID() == msg.AgentID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case tickMsg:
		// Only update if this tick matches the current tag (debouncing)
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	// Split into two columns: agent list (left) and viewport (right)
	listWidth := 25
	viewportWidth := m.width - listWidth - 4 // account for borders and padding

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderAgentList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
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

// renderAgentList renders the agent list column.
func (m AgentPaneModel) renderAgentList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render(fmt.Sprintf("Agents (%d)", len(m.agentOrder)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.agentOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, id := range m.agentOrder {
			st := m.agents[id]
			name := st.Name
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(st.Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// getSelectedAgentID returns the id of the currently selected agent.
func (m AgentPaneModel) getSelectedAgentID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.agentOrder) {
		return m.agentOrder[m.selectedIdx]
	}
	return ""
}

// Agent returns the pane's state for id, if known.
func (m AgentPaneModel) Agent(id string) (AgentState, bool) {
	st, ok := m.agents[id]
	if !ok {
		return AgentState{}, false
	}
	return *st, true
}

// updateViewportContent updates the viewport with the selected agent's output.
func (m *AgentPaneModel) updateViewportContent() {
	st, exists := m.agents[m.getSelectedAgentID()]
	if !exists {
		m.viewport.SetContent("Waiting for agents...")
		return
	}

	m.viewport.SetContent(strings.Join(st.Output, "\n"))
	// Auto-scroll to bottom
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *AgentPaneModel) resizeViewport() {
	listWidth := 25
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5) // account for borders
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
