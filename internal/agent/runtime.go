package agent

import (
	"context"
	"fmt"

	"github.com/aristath/agentmon/internal/backend"
)

// handleEvent applies one process event to the agent record. It runs on the
// process's dispatch goroutine.
func (m *Manager) handleEvent(id string, provider backend.Provider, ev backend.Event) {
	switch ev.Kind {
	case backend.EventMessage:
		m.handleStreamMessage(id, provider, ev.Message)

	case backend.EventRaw:
		m.logger.Debug("non-JSON output", "agent_id", id, "line", ev.Text)
		m.publishMessage(id, Message{Timestamp: m.now()}, ev.Text)

	case backend.EventStderr:
		m.logger.Debug("agent stderr", "agent_id", id, "line", ev.Text)
		m.appendSystem(id, "[stderr] "+ev.Text)

	case backend.EventError:
		m.logger.Error("agent process error", "agent_id", id, "err", ev.Err)
		m.appendSystem(id, "process error: "+ev.Err.Error())
		m.setStatus(id, StatusError)

	case backend.EventExit:
		m.handleExit(id, ev)
	}
}

func (m *Manager) handleStreamMessage(id string, provider backend.Provider, raw backend.StreamMessage) {
	n := provider.Normalize(raw)
	ctx := context.Background()

	m.mu.Lock()
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return
	}
	proc := m.procs[id]

	var entries []Message
	for _, e := range n.Entries {
		msg := m.newMessage(e.Role, e.Content)
		if err := m.store.AppendMessage(ctx, id, msg); err != nil {
			m.logger.Error("failed to append message", "agent_id", id, "err", err)
			continue
		}
		entries = append(entries, msg)
	}

	dirty := len(entries) > 0
	if dirty {
		a.LastActivity = m.now()
	}
	if n.SessionID != "" && a.SessionID != n.SessionID {
		a.SessionID = n.SessionID
		dirty = true
	}
	if n.CostUSD != nil && *n.CostUSD > a.CostUSD {
		a.CostUSD = *n.CostUSD
		dirty = true
	}
	if n.Usage != nil {
		a.TokenUsage.Input += n.Usage.Input
		a.TokenUsage.Output += n.Usage.Output
		dirty = true
	}

	var statusChanged, prompted, stopAfter bool
	if n.PermissionPrompt && a.Status == StatusRunning {
		statusChanged = m.transition(a, StatusWaitingInput)
		prompted = statusChanged
	}
	if n.Done && m.transition(a, StatusStopped) {
		statusChanged = true
		stopAfter = !provider.Capabilities().ExitsAfterRun
	}

	if dirty || statusChanged {
		if err := m.store.SaveAgent(ctx, a); err != nil {
			m.logger.Error("failed to save agent", "agent_id", id, "err", err)
		}
	}
	m.mu.Unlock()

	if len(entries) == 0 {
		m.publishMessage(id, Message{Timestamp: m.now()}, string(raw.Raw))
	}
	for _, msg := range entries {
		m.publishMessage(id, msg, string(raw.Raw))
	}
	if statusChanged {
		m.publishStatus(a)
	}

	if prompted {
		m.logger.Info("agent waiting for input", "agent_id", id, "name", a.Name)
		if m.notifier != nil {
			m.notifier.HumanNeeded(a.Config.Notify, a.Name, "Agent is waiting for permission/input.\nLast message: "+n.PromptText)
		}
	}

	if stopAfter && proc != nil {
		// The CLI lingers after its final result.
		if err := proc.Stop(); err != nil {
			m.logger.Warn("failed to stop finished agent", "agent_id", id, "err", err)
		}
	}
	if n.Done {
		m.logger.Info("agent run completed", "agent_id", id, "cost_usd", a.CostUSD,
			"input_tokens", a.TokenUsage.Input, "output_tokens", a.TokenUsage.Output)
	}
}

// handleExit finalizes the record once the process is gone. A clean
// completion recorded earlier wins over the exit code.
func (m *Manager) handleExit(id string, ev backend.Event) {
	var note string
	var to Status
	switch {
	case ev.ExitCode != nil && *ev.ExitCode == 0:
		to = StatusStopped
	case ev.ExitCode != nil:
		to = StatusError
		note = fmt.Sprintf("process exited with code %d", *ev.ExitCode)
	default:
		to = StatusError
		note = "process killed by signal " + ev.Signal
	}

	ctx := context.Background()
	m.mu.Lock()
	delete(m.procs, id)
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		m.mu.Unlock()
		m.reportProcesses()
		return
	}

	a.PID = 0
	changed := m.transition(a, to)
	var msg Message
	if changed && note != "" {
		msg = m.newMessage(backend.RoleSystem, note)
		if err := m.store.AppendMessage(ctx, id, msg); err != nil {
			m.logger.Error("failed to append message", "agent_id", id, "err", err)
		}
	}
	if err := m.store.SaveAgent(ctx, a); err != nil {
		m.logger.Error("failed to save agent", "agent_id", id, "err", err)
	}
	m.mu.Unlock()

	m.reportProcesses()
	if ev.ExitCode != nil {
		m.logger.Info("agent process exited", "agent_id", id, "exit_code", *ev.ExitCode, "status", a.Status)
	} else {
		m.logger.Info("agent process exited", "agent_id", id, "signal", ev.Signal, "status", a.Status)
	}
	if msg.ID != "" {
		m.publishMessage(id, msg, "")
	}
	if changed {
		m.publishStatus(a)
	}
}

func (m *Manager) appendSystem(id, content string) {
	msg := m.newMessage(backend.RoleSystem, content)
	err := m.update(id, func(a *Agent) bool {
		if err := m.store.AppendMessage(context.Background(), id, msg); err != nil {
			m.logger.Error("failed to append message", "agent_id", id, "err", err)
			return false
		}
		a.LastActivity = msg.Timestamp
		return true
	})
	if err == nil {
		m.publishMessage(id, msg, "")
	}
}

func (m *Manager) setStatus(id string, to Status) {
	var updated *Agent
	err := m.update(id, func(a *Agent) bool {
		if !m.transition(a, to) {
			return false
		}
		updated = a
		return true
	})
	if err == nil && updated != nil {
		m.publishStatus(updated)
	}
}
