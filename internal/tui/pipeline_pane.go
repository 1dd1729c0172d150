package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentmon/internal/events"
	"github.com/aristath/agentmon/internal/scheduler"
)

type taskRow struct {
	id     string
	name   string
	order  int
	status string
	err    string
}

// PipelinePaneModel shows scheduler state, stage progress and the task list.
type PipelinePaneModel struct {
	tasks map[string]*taskRow

	armed        bool
	total        int
	completed    int
	running      int
	failed       int
	pending      int
	currentOrder int
	blocked      bool
	finished     *events.PipelineCompleteEvent

	width   int
	height  int
	focused bool
}

// NewPipelinePaneModel creates a new pipeline pane model.
func NewPipelinePaneModel() PipelinePaneModel {
	return PipelinePaneModel{
		tasks:        make(map[string]*taskRow),
		currentOrder: -1,
	}
}

// Seed loads the task list and scheduler state known at startup.
func (m *PipelinePaneModel) Seed(tasks []*scheduler.Task, armed bool) {
	m.armed = armed
	for _, t := range tasks {
		m.tasks[t.ID] = &taskRow{id: t.ID, name: t.Name, order: t.Order, status: string(t.Status), err: t.Error}
	}
	m.recount()
}

// recount derives counts from the task list until the first progress event.
func (m *PipelinePaneModel) recount() {
	m.total, m.pending, m.running, m.completed, m.failed = len(m.tasks), 0, 0, 0, 0
	for _, t := range m.tasks {
		switch scheduler.TaskStatus(t.status) {
		case scheduler.TaskPending:
			m.pending++
		case scheduler.TaskRunning:
			m.running++
		case scheduler.TaskCompleted:
			m.completed++
		case scheduler.TaskFailed:
			m.failed++
		}
	}
}

// Update handles messages for the pipeline pane.
func (m PipelinePaneModel) Update(msg tea.Msg) (PipelinePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.TaskUpdateEvent:
		if msg.Deleted {
			delete(m.tasks, msg.TaskID)
		} else {
			m.tasks[msg.TaskID] = &taskRow{id: msg.TaskID, name: msg.Name, order: msg.Order, status: msg.Status, err: msg.Error}
		}
		m.recount()

	case events.PipelineProgressEvent:
		m.total = msg.Total
		m.completed = msg.Completed
		m.running = msg.Running
		m.failed = msg.Failed
		m.pending = msg.Pending
		m.currentOrder = msg.CurrentOrder
		m.blocked = msg.Blocked

	case events.PipelineCompleteEvent:
		m.finished = &msg

	case events.SchedulerStatusEvent:
		m.armed = msg.Running
		if msg.Running {
			m.finished = nil
		}
	}

	return m, nil
}

// View renders the pipeline pane.
func (m PipelinePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Pipeline")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	state := StyleStatusPending.Render("stopped")
	if m.armed {
		state = StyleStatusRunning.Render("running")
	}
	b.WriteString(fmt.Sprintf("Scheduler: %s", state))
	if m.currentOrder >= 0 {
		b.WriteString(fmt.Sprintf("   Stage: %d", m.currentOrder))
	}
	if m.blocked {
		b.WriteString("   " + StyleStatusFailed.Render("BLOCKED by failed task"))
	}
	b.WriteString("\n")

	if m.finished != nil {
		if m.finished.Success() {
			b.WriteString(StyleStatusComplete.Render("Pipeline completed successfully"))
		} else {
			b.WriteString(StyleStatusFailed.Render(fmt.Sprintf("Pipeline completed with %d failed", m.finished.Failed)))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	// Progress bar
	if m.total > 0 {
		barWidth := min(m.width-16, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, m.completed+m.failed, m.total))
		b.WriteString(fmt.Sprintf("pending %d  running %s  completed %s  failed %s\n\n",
			m.pending,
			StyleStatusRunning.Render(fmt.Sprint(m.running)),
			StyleStatusComplete.Render(fmt.Sprint(m.completed)),
			StyleStatusFailed.Render(fmt.Sprint(m.failed)),
		))
	} else {
		b.WriteString(StyleStatusPending.Render("No tasks queued."))
		b.WriteString("\n")
	}

	for _, t := range m.sortedTasks() {
		line := fmt.Sprintf("%3d  %s %s", t.order, StatusIcon(t.status), t.name)
		if t.err != "" {
			line += StyleStatusFailed.Render("  " + t.err)
		}
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

func (m PipelinePaneModel) sortedTasks() []*taskRow {
	rows := make([]*taskRow, 0, len(m.tasks))
	for _, t := range m.tasks {
		rows = append(rows, t)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].order != rows[j].order {
			return rows[i].order < rows[j].order
		}
		return rows[i].name < rows[j].name
	})
	return rows
}

// SetSize updates the pane dimensions.
func (m *PipelinePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *PipelinePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
