package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/events"
)

// ManagerConfig wires a Manager's collaborators. Only Store is required.
type ManagerConfig struct {
	Store    Store
	Isolator Isolator
	Notifier HumanNotifier
	Bus      *events.EventBus
	Logger   *slog.Logger
	Metrics  Recorder

	// Binaries overrides the executable per provider.
	Binaries       map[backend.ProviderKind]string
	ProcessManager *backend.ProcessManager
	StopGrace      time.Duration

	// NewProcess replaces the real process launcher, mainly for tests.
	NewProcess ProcessFactory
}

// Manager owns agent records and their processes. Every record mutation,
// whether from an API call or a process event, happens under mu.
type Manager struct {
	store    Store
	isolator Isolator
	notifier HumanNotifier
	bus      *events.EventBus
	logger   *slog.Logger
	metrics  Recorder
	binaries map[backend.ProviderKind]string
	spawn    ProcessFactory
	now      func() time.Time

	mu    sync.Mutex
	procs map[string]Supervisor
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	spawn := cfg.NewProcess
	if spawn == nil {
		pm, grace := cfg.ProcessManager, cfg.StopGrace
		spawn = func(p backend.Provider, opts backend.StartOptions, h backend.Handler) Supervisor {
			proc := backend.NewProcess(p, opts, h, pm)
			proc.SetStopGrace(grace)
			return proc
		}
	}

	return &Manager{
		store:    cfg.Store,
		isolator: cfg.Isolator,
		notifier: cfg.Notifier,
		bus:      cfg.Bus,
		logger:   logger.With("component", "agent"),
		metrics:  cfg.Metrics,
		binaries: cfg.Binaries,
		spawn:    spawn,
		now:      time.Now,
		procs:    make(map[string]Supervisor),
	}
}

// CreateAgent isolates a working copy, persists a running record and spawns
// the provider process. A spawn failure is not returned as an error: the
// agent is recorded with status error so observers see why it never ran.
func (m *Manager) CreateAgent(ctx context.Context, name string, cfg Config) (*Agent, error) {
	provider, err := backend.LookupProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if cfg.Directory == "" {
		return nil, fmt.Errorf("agent directory is required")
	}

	id := uuid.NewString()
	now := m.now()
	a := &Agent{
		ID:           id,
		Name:         name,
		Status:       StatusRunning,
		Config:       cfg,
		LastActivity: now,
		CreatedAt:    now,
	}

	if m.isolator != nil {
		wt, err := m.isolator.Create(cfg.Directory, "agent-"+id[:8], cfg.Instructions)
		if err != nil {
			m.logger.Warn("worktree creation failed, using directory directly", "agent_id", id, "dir", cfg.Directory, "err", err)
		} else {
			a.WorktreePath = wt.Path
			a.WorktreeBranch = wt.Branch
		}
	}

	m.mu.Lock()
	err = m.store.SaveAgent(ctx, a)
	m.mu.Unlock()
	if err != nil {
		m.releaseWorktree(a)
		return nil, fmt.Errorf("failed to save agent: %w", err)
	}
	m.publishStatus(a)

	opts := backend.StartOptions{
		Binary:          m.binaries[cfg.Provider],
		Dir:             a.WorkDir(),
		Prompt:          cfg.Prompt,
		Model:           cfg.Flags.Model,
		Resume:          cfg.Flags.Resume,
		SkipPermissions: cfg.Flags.SkipPermissions,
		FullAuto:        cfg.Flags.FullAuto,
	}
	proc := m.spawn(provider, opts, func(ev backend.Event) {
		m.handleEvent(id, provider, ev)
	})

	m.mu.Lock()
	m.procs[id] = proc
	m.mu.Unlock()

	// Start reports spawn failures through the handler, which takes mu.
	if err := proc.Start(); err != nil {
		m.logger.Error("agent process failed to start", "agent_id", id, "provider", cfg.Provider, "err", err)
		m.mu.Lock()
		delete(m.procs, id)
		m.mu.Unlock()
	} else {
		m.logger.Info("agent started", "agent_id", id, "name", name, "provider", cfg.Provider, "dir", opts.Dir)
		pid := proc.PID()
		m.update(id, func(a *Agent) bool {
			if a.Status.Terminal() {
				return false
			}
			a.PID = pid
			return true
		})
	}
	m.reportProcesses()

	return m.Get(ctx, id)
}

// Get returns the agent record without its transcript.
func (m *Manager) Get(ctx context.Context, id string) (*Agent, error) {
	return m.store.GetAgent(ctx, id)
}

// List returns every agent record.
func (m *Manager) List(ctx context.Context) ([]*Agent, error) {
	return m.store.ListAgents(ctx)
}

// Messages returns the agent's transcript in order.
func (m *Manager) Messages(ctx context.Context, id string) ([]Message, error) {
	if _, err := m.store.GetAgent(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, id)
}

// SendMessage records a user message and forwards it to the process. The
// provider may ignore it if it doesn't accept follow-up input.
func (m *Manager) SendMessage(ctx context.Context, id, text string) error {
	m.mu.Lock()
	proc, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotRunning
	}
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	msg := m.newMessage(backend.RoleUser, text)
	if err := m.store.AppendMessage(ctx, id, msg); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to append message: %w", err)
	}
	// Status is left alone: only the process stream moves it.
	a.LastActivity = msg.Timestamp
	err = m.store.SaveAgent(ctx, a)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}

	m.publishMessage(id, msg, "")
	return proc.SendMessage(text)
}

// Interrupt sends a soft interrupt to the agent's process.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	m.mu.Lock()
	proc, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		if _, err := m.store.GetAgent(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	return proc.Interrupt()
}

// Stop marks the agent stopped and terminates its process. An agent that
// already reached a terminal status keeps it.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	proc := m.procs[id]
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	changed := m.transition(a, StatusStopped)
	if changed {
		err = m.store.SaveAgent(ctx, a)
	}
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}

	if changed {
		m.publishStatus(a)
	}
	if proc != nil {
		if err := proc.Stop(); err != nil {
			m.logger.Warn("failed to stop agent process", "agent_id", id, "err", err)
		}
	}
	return nil
}

// Rename changes the agent's display name.
func (m *Manager) Rename(ctx context.Context, id, name string) error {
	var updated *Agent
	err := m.update(id, func(a *Agent) bool {
		a.Name = name
		a.LastActivity = m.now()
		updated = a
		return true
	})
	if err != nil {
		return err
	}
	m.publishStatus(updated)
	return nil
}

// Delete stops the agent, releases its worktree and removes its record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}

	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	m.releaseWorktree(a)

	m.mu.Lock()
	err = m.store.DeleteAgent(ctx, id)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	m.logger.Info("agent deleted", "agent_id", id)
	return nil
}

// StopAll stops every agent that is still running or waiting for input.
func (m *Manager) StopAll(ctx context.Context) error {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	var errs []error
	for _, a := range agents {
		if a.Status.Active() {
			if err := m.Stop(ctx, a.ID); err != nil && !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// RecoverOrphans marks active agents that have no process in this Manager
// as errored. After a restart the previous processes are gone, and a
// record left running would never change again.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list agents: %w", err)
	}

	n := 0
	for _, a := range agents {
		m.mu.Lock()
		_, live := m.procs[a.ID]
		m.mu.Unlock()
		if live || !a.Status.Active() {
			continue
		}
		m.appendSystem(a.ID, "Agent process lost: the monitor restarted while it was running")
		m.setStatus(a.ID, StatusError)
		m.logger.Warn("orphaned agent marked as error", "agent_id", a.ID, "name", a.Name)
		n++
	}
	return n, nil
}

// UpdateInstructions rewrites the instructions document in the agent's
// working directory.
func (m *Manager) UpdateInstructions(ctx context.Context, id, content string) error {
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if m.isolator == nil {
		return fmt.Errorf("no worktree manager configured")
	}
	if err := m.isolator.UpdateSeedDocument(a.WorkDir(), content); err != nil {
		return err
	}
	return m.update(id, func(a *Agent) bool {
		a.Config.Instructions = content
		a.LastActivity = m.now()
		return true
	})
}

// Running returns the number of live processes.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// update loads, mutates and saves a record under mu. fn returns false to
// skip the save.
func (m *Manager) update(id string, fn func(a *Agent) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.Background()
	a, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if !fn(a) {
		return nil
	}
	if err := m.store.SaveAgent(ctx, a); err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// transition moves a to status unless a is already terminal or in that
// status. It reports whether anything changed.
func (m *Manager) transition(a *Agent, to Status) bool {
	if a.Status == to || a.Status.Terminal() {
		return false
	}
	a.Status = to
	a.LastActivity = m.now()
	if m.metrics != nil {
		m.metrics.AgentStatusChanged(string(to))
	}
	return true
}

func (m *Manager) releaseWorktree(a *Agent) {
	if m.isolator == nil || !a.Isolated() {
		return
	}
	if err := m.isolator.Remove(a.Config.Directory, a.WorktreePath, a.WorktreeBranch); err != nil {
		m.logger.Warn("worktree cleanup failed", "agent_id", a.ID, "path", a.WorktreePath, "err", err)
	}
}

func (m *Manager) newMessage(role backend.Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: m.now(),
	}
}

func (m *Manager) publishStatus(a *Agent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.AgentStatusEvent{
		AgentID:   a.ID,
		Name:      a.Name,
		Status:    string(a.Status),
		Timestamp: m.now(),
	})
}

func (m *Manager) publishMessage(agentID string, msg Message, raw string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.AgentMessageEvent{
		AgentID:   agentID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Raw:       raw,
		Timestamp: msg.Timestamp,
	})
}

func (m *Manager) reportProcesses() {
	if m.metrics != nil {
		m.metrics.AgentProcesses(m.Running())
	}
}
