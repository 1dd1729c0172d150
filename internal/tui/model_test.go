package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/agentmon/internal/agent"
	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/events"
	"github.com/aristath/agentmon/internal/scheduler"
)

func newTestModel(t *testing.T, snap Snapshot, save SaveFunc) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	if snap.Config.PollInterval == 0 {
		snap.Config = scheduler.DefaultConfig("/work")
	}
	m := New(Options{Bus: bus, Snapshot: snap, SaveConfig: save})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	return next.(Model)
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestSnapshotSeedsPanes(t *testing.T) {
	snap := Snapshot{
		Agents: []*agent.Agent{
			{ID: "a1", Name: "builder", Status: agent.StatusWaitingInput},
		},
		Messages: map[string][]agent.Message{
			"a1": {{Role: backend.RoleAssistant, Content: "May I run rm?"}},
		},
		Tasks: []*scheduler.Task{
			{ID: "t1", Name: "schema", Order: 0, Status: scheduler.TaskCompleted},
			{ID: "t2", Name: "api", Order: 1, Status: scheduler.TaskPending},
		},
	}
	m := newTestModel(t, snap, nil)

	st, ok := m.agentPane.Agent("a1")
	if !ok {
		t.Fatal("seeded agent missing")
	}
	if st.Status != "waiting_input" {
		t.Errorf("expected waiting_input, got %q", st.Status)
	}
	if len(st.Output) != 1 || !strings.Contains(st.Output[0], "May I run rm?") {
		t.Errorf("unexpected output %v", st.Output)
	}

	if m.pipelinePane.total != 2 || m.pipelinePane.completed != 1 || m.pipelinePane.pending != 1 {
		t.Errorf("unexpected counts total=%d completed=%d pending=%d",
			m.pipelinePane.total, m.pipelinePane.completed, m.pipelinePane.pending)
	}
	if !strings.Contains(m.View(), "schema") {
		t.Error("view should list seeded tasks")
	}
}

func TestAgentEvents(t *testing.T) {
	m := newTestModel(t, Snapshot{}, nil)

	m = update(t, m, events.AgentStatusEvent{AgentID: "a1", Name: "worker", Status: "running", Timestamp: time.Now()})
	m = update(t, m, events.AgentMessageEvent{AgentID: "a1", Role: "assistant", Content: "hello"})
	m = update(t, m, events.AgentMessageEvent{AgentID: "a1", Raw: "not json"})
	m = update(t, m, events.AgentStatusEvent{AgentID: "a1", Name: "worker", Status: "stopped"})

	st, ok := m.agentPane.Agent("a1")
	if !ok {
		t.Fatal("agent not added from status event")
	}
	if st.Name != "worker" || st.Status != "stopped" {
		t.Errorf("unexpected state %+v", st)
	}
	joined := strings.Join(st.Output, "\n")
	for _, want := range []string{"hello", "not json", "stopped"} {
		if !strings.Contains(joined, want) {
			t.Errorf("output missing %q:\n%s", want, joined)
		}
	}
}

func TestOutputIsBounded(t *testing.T) {
	m := newTestModel(t, Snapshot{}, nil)
	for i := 0; i < maxOutputLines+10; i++ {
		m = update(t, m, events.AgentMessageEvent{AgentID: "a1", Raw: "line"})
	}
	st, _ := m.agentPane.Agent("a1")
	if len(st.Output) != maxOutputLines {
		t.Errorf("expected %d lines, got %d", maxOutputLines, len(st.Output))
	}
}

func TestPipelineEvents(t *testing.T) {
	m := newTestModel(t, Snapshot{}, nil)

	m = update(t, m, events.SchedulerStatusEvent{Running: true})
	m = update(t, m, events.TaskUpdateEvent{TaskID: "t1", Name: "a", Order: 0, Status: "running"})
	m = update(t, m, events.TaskUpdateEvent{TaskID: "t2", Name: "b", Order: 1, Status: "pending"})
	if m.pipelinePane.total != 2 || m.pipelinePane.running != 1 {
		t.Errorf("counts from task updates: total=%d running=%d", m.pipelinePane.total, m.pipelinePane.running)
	}

	m = update(t, m, events.TaskUpdateEvent{TaskID: "t2", Deleted: true})
	if _, ok := m.pipelinePane.tasks["t2"]; ok {
		t.Error("deleted task still listed")
	}

	m = update(t, m, events.PipelineProgressEvent{Total: 1, Failed: 1, CurrentOrder: 0, Blocked: true})
	if !strings.Contains(m.View(), "BLOCKED") {
		t.Error("view should show blocked pipeline")
	}

	m = update(t, m, events.PipelineCompleteEvent{Total: 1, Failed: 1})
	m = update(t, m, events.SchedulerStatusEvent{Running: false})
	view := m.View()
	if !strings.Contains(view, "completed with 1 failed") {
		t.Errorf("view should show completion summary:\n%s", view)
	}
	if m.pipelinePane.armed {
		t.Error("scheduler should show as stopped")
	}
}

func TestFocusCycling(t *testing.T) {
	m := newTestModel(t, Snapshot{}, nil)
	if m.focusedPane != PaneAgents {
		t.Fatalf("expected agents focused first")
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PanePipeline {
		t.Errorf("tab should focus pipeline, got %d", m.focusedPane)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneAgents {
		t.Errorf("tab should wrap to agents, got %d", m.focusedPane)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.focusedPane != PanePipeline {
		t.Errorf("shift+tab should wrap to pipeline, got %d", m.focusedPane)
	}
}

func TestSettingsDisabledWithoutSaveFunc(t *testing.T) {
	m := newTestModel(t, Snapshot{}, nil)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	if m.showSettings {
		t.Error("settings should not open without a save func")
	}
}

func TestSettingsOpenAndCancel(t *testing.T) {
	m := newTestModel(t, Snapshot{}, func(c scheduler.Config) (scheduler.Config, error) { return c, nil })
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	if !m.showSettings || !m.settingsPane.IsVisible() {
		t.Fatal("settings should open")
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.showSettings || m.settingsPane.IsVisible() {
		t.Error("esc should close settings")
	}
}

func TestSettingsCommit(t *testing.T) {
	var got scheduler.Config
	save := func(c scheduler.Config) (scheduler.Config, error) {
		got = c
		return c, nil
	}
	cfg := scheduler.DefaultConfig("/work")
	cfg.Running = true
	pane := NewSettingsPaneModel(cfg, save)

	pane.provider = "codex"
	pane.pollInterval = "30s"
	pane.stuckTimeout = "10m"
	pane.concurrency = "2"
	pane.email = "ops@example.com"
	pane.commit()

	if !pane.Saved() || pane.err != nil {
		t.Fatalf("expected save, err=%v", pane.err)
	}
	if got.DefaultProvider != backend.ProviderCodex || got.PollInterval != 30*time.Second ||
		got.StuckTimeout != 10*time.Minute || got.Concurrency != 2 || got.Notify.Email != "ops@example.com" {
		t.Errorf("unexpected saved config %+v", got)
	}
	if !got.Running {
		t.Error("running flag should be carried through untouched")
	}
}

func TestSettingsCommitErrors(t *testing.T) {
	pane := NewSettingsPaneModel(scheduler.DefaultConfig("/work"), func(c scheduler.Config) (scheduler.Config, error) {
		return c, errors.New("disk full")
	})
	pane.commit()
	if pane.Saved() || pane.err == nil {
		t.Error("save error should be kept")
	}

	pane = NewSettingsPaneModel(scheduler.DefaultConfig("/work"), func(c scheduler.Config) (scheduler.Config, error) {
		t.Fatal("save should not be called with invalid input")
		return c, nil
	})
	pane.pollInterval = "soon"
	pane.commit()
	if pane.err == nil {
		t.Error("invalid duration should fail")
	}
}

func TestValidators(t *testing.T) {
	if validateDuration("5s") != nil || validateDuration("0s") == nil || validateDuration("x") == nil {
		t.Error("validateDuration")
	}
	if validateConcurrency("3") != nil || validateConcurrency("0") == nil || validateConcurrency("x") == nil {
		t.Error("validateConcurrency")
	}
}

func TestBusCloseQuits(t *testing.T) {
	m := newTestModel(t, Snapshot{}, nil)
	next, cmd := m.Update(busClosedMsg{})
	if !next.(Model).quitting || cmd == nil {
		t.Error("closed bus should quit")
	}
}
