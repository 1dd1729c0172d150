package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentmon/internal/agent"
	"github.com/aristath/agentmon/internal/events"
)

// pipelineAgentPrefix marks agents the scheduler created.
const pipelineAgentPrefix = "[Pipeline] "

const (
	reasonAgentDeleted = "Agent was deleted"
	reasonAgentError   = "Agent exited with error"
)

// tick observes running tasks, then acts on at most one stage. The caller
// holds tickMu.
func (s *Scheduler) tick(ctx context.Context) error {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	if err := s.reconcileRunning(ctx, cfg, tasks); err != nil {
		return err
	}

	// Reconciliation may have finished tasks; decide on fresh state.
	tasks, err = s.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	p := partition(tasks)

	if len(p.pending) == 0 && len(p.running) == 0 {
		s.publishProgress(p, -1, false)
		if !s.IsRunning() {
			return nil
		}
		s.completePipeline(ctx, cfg, tasks, p)
		return nil
	}

	if len(p.running) > 0 {
		s.publishProgress(p, p.running[0].Order, false)
		return nil
	}

	nextOrder := p.pending[0].Order
	for _, t := range p.pending {
		nextOrder = min(nextOrder, t.Order)
	}
	for _, t := range p.failed {
		if t.Order < nextOrder {
			s.logger.Debug("pipeline blocked by failed task", "task_id", t.ID, "order", t.Order, "next_order", nextOrder)
			s.publishProgress(p, nextOrder, true)
			return nil
		}
	}

	var stage []*Task
	for _, t := range p.pending {
		if t.Order == nextOrder {
			stage = append(stage, t)
		}
	}
	s.logger.Info("starting stage", "order", nextOrder, "tasks", len(stage))
	s.startStage(ctx, cfg, stage)

	// Stage start changed the counts.
	if tasks, err = s.store.ListTasks(ctx); err == nil {
		s.publishProgress(partition(tasks), nextOrder, false)
	}
	return nil
}

type taskSet struct {
	total                               int
	pending, running, completed, failed []*Task
}

func partition(tasks []*Task) taskSet {
	p := taskSet{total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskPending:
			p.pending = append(p.pending, t)
		case TaskRunning:
			p.running = append(p.running, t)
		case TaskCompleted:
			p.completed = append(p.completed, t)
		case TaskFailed:
			p.failed = append(p.failed, t)
		}
	}
	return p
}

// reconcileRunning moves running tasks forward based on their agent's
// status. It only returns an error for store failures.
func (s *Scheduler) reconcileRunning(ctx context.Context, cfg Config, tasks []*Task) error {
	for _, t := range tasks {
		if t.Status != TaskRunning {
			continue
		}

		if t.AgentID == "" {
			// A running task without an agent can never finish on its own.
			s.logger.Warn("running task has no agent", "task_id", t.ID)
			if err := s.failTask(ctx, cfg, t, reasonAgentDeleted); err != nil {
				return err
			}
			continue
		}

		a, err := s.agents.Get(ctx, t.AgentID)
		if errors.Is(err, agent.ErrNotFound) {
			if err := s.failTask(ctx, cfg, t, reasonAgentDeleted); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			s.logger.Error("failed to load agent", "task_id", t.ID, "agent_id", t.AgentID, "err", err)
			continue
		}

		switch a.Status {
		case agent.StatusStopped:
			t.Status = TaskCompleted
			t.CompletedAt = s.now()
			if err := s.saveTask(ctx, t); err != nil {
				return err
			}
			s.logger.Info("task completed", "task_id", t.ID, "name", t.Name, "agent_id", a.ID)

		case agent.StatusError:
			if err := s.failTask(ctx, cfg, t, reasonAgentError); err != nil {
				return err
			}

		case agent.StatusWaitingInput:
			if err := s.checkStuck(ctx, cfg, t, a); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkStuck notifies about an agent waiting longer than the stuck timeout,
// at most once per timeout window.
func (s *Scheduler) checkStuck(ctx context.Context, cfg Config, t *Task, a *agent.Agent) error {
	now := s.now()
	waiting := now.Sub(a.LastActivity)
	if waiting <= cfg.StuckTimeout {
		return nil
	}
	if !t.NotifiedAt.IsZero() && now.Sub(t.NotifiedAt) <= cfg.StuckTimeout {
		return nil
	}

	s.logger.Warn("agent stuck waiting for input", "task_id", t.ID, "agent_id", a.ID, "waiting", waiting.Round(time.Second))
	s.notify(cfg, stuckAgentMessage(t, a.Name, waiting))

	t.NotifiedAt = now
	if err := s.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *Scheduler) failTask(ctx context.Context, cfg Config, t *Task, reason string) error {
	t.fail(reason, s.now())
	if err := s.saveTask(ctx, t); err != nil {
		return err
	}
	s.logger.Info("task failed", "task_id", t.ID, "name", t.Name, "reason", reason)
	s.notify(cfg, taskFailedMessage(t))
	return nil
}

// saveTask persists a status change and announces it.
func (s *Scheduler) saveTask(ctx context.Context, t *Task) error {
	if err := s.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}
	if s.metrics != nil {
		s.metrics.TaskTransition(string(t.Status))
	}
	s.publishTask(t, false)
	return nil
}

// startStage launches every task of one stage. Tasks are independent
// records, so they start concurrently; one failing to start doesn't stop
// the others.
func (s *Scheduler) startStage(ctx context.Context, cfg Config, stage []*Task) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for _, t := range stage {
		g.Go(func() error {
			s.startTask(gctx, cfg, t)
			return nil
		})
	}
	g.Wait()
}

func (s *Scheduler) startTask(ctx context.Context, cfg Config, t *Task) {
	provider := t.Provider
	if provider == "" {
		provider = cfg.DefaultProvider
	}
	dir := t.Directory
	if dir == "" {
		dir = cfg.DefaultDirectory
	}
	instructions := t.Instructions
	if instructions == "" {
		instructions = cfg.Instructions
	}

	a, err := s.agents.CreateAgent(ctx, pipelineAgentPrefix+t.Name, agent.Config{
		Provider:     provider,
		Directory:    dir,
		Prompt:       t.Prompt,
		Instructions: instructions,
		Flags: agent.Flags{
			SkipPermissions: t.Flags.SkipsPermissions(),
			Model:           t.Model,
			FullAuto:        t.Flags.FullAuto,
		},
	})
	if err != nil {
		s.logger.Error("failed to start task", "task_id", t.ID, "name", t.Name, "err", err)
		if err := s.failTask(ctx, cfg, t, err.Error()); err != nil {
			s.logger.Error("failed to record task failure", "task_id", t.ID, "err", err)
		}
		return
	}

	// The agent exists now, so the binding is recorded even if Stop
	// cancelled ctx while it was spawning.
	t.Status = TaskRunning
	t.AgentID = a.ID
	if err := s.saveTask(context.WithoutCancel(ctx), t); err != nil {
		s.logger.Error("failed to record task start", "task_id", t.ID, "agent_id", a.ID, "err", err)
		return
	}
	s.logger.Info("task started", "task_id", t.ID, "name", t.Name, "agent_id", a.ID, "provider", provider)
}

// completePipeline cleans up every agent the pipeline created, reports the
// outcome and disarms the loop.
func (s *Scheduler) completePipeline(ctx context.Context, cfg Config, tasks []*Task, p taskSet) {
	s.logger.Info("pipeline complete", "completed", len(p.completed), "failed", len(p.failed))

	for _, t := range tasks {
		if t.AgentID == "" {
			continue
		}
		err := s.agents.Delete(ctx, t.AgentID)
		switch {
		case err == nil:
			s.logger.Debug("cleaned up pipeline agent", "task_id", t.ID, "agent_id", t.AgentID)
		case errors.Is(err, agent.ErrNotFound):
		default:
			s.logger.Warn("failed to clean up pipeline agent", "task_id", t.ID, "agent_id", t.AgentID, "err", err)
		}
	}

	s.notify(cfg, pipelineCompleteMessage(len(p.completed), len(p.failed)))
	s.publish(events.PipelineCompleteEvent{
		Total:     p.total,
		Completed: len(p.completed),
		Failed:    len(p.failed),
		Timestamp: s.now(),
	})

	// Stop cancels ctx, but the running marker still has to be saved.
	if err := s.Stop(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("failed to stop scheduler after pipeline completion", "err", err)
	}
}

func (s *Scheduler) publishProgress(p taskSet, currentOrder int, blocked bool) {
	s.publish(events.PipelineProgressEvent{
		Total:        p.total,
		Pending:      len(p.pending),
		Running:      len(p.running),
		Completed:    len(p.completed),
		Failed:       len(p.failed),
		CurrentOrder: currentOrder,
		Blocked:      blocked,
		Timestamp:    s.now(),
	})
}

func (s *Scheduler) notify(cfg Config, m message) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(cfg.Notify, m.subject, m.body)
}

type message struct {
	subject, body string
}

func taskFailedMessage(t *Task) message {
	reason := t.Error
	if reason == "" {
		reason = "Unknown error"
	}
	return message{
		subject: fmt.Sprintf("[Agent Manager] Task %q failed", t.Name),
		body:    fmt.Sprintf("Task %q has failed.\n\nError: %s\nTask ID: %s", t.Name, reason, t.ID),
	}
}

func stuckAgentMessage(t *Task, agentName string, waiting time.Duration) message {
	minutes := int(waiting.Round(time.Minute) / time.Minute)
	return message{
		subject: fmt.Sprintf("[Agent Manager] Agent %q is stuck (waiting %dm)", agentName, minutes),
		body: fmt.Sprintf("Agent %q for task %q has been waiting for human input for %d minute(s).\n\n"+
			"Please check the agent and provide the required input.\nTask ID: %s\nAgent ID: %s",
			agentName, t.Name, minutes, t.ID, t.AgentID),
	}
}

func pipelineCompleteMessage(completed, failed int) message {
	status := "completed successfully"
	if failed > 0 {
		status = "completed with failures"
	}
	return message{
		subject: "[Agent Manager] Pipeline " + status,
		body:    fmt.Sprintf("The pipeline has %s.\n\nCompleted: %d task(s)\nFailed: %d task(s)", status, completed, failed),
	}
}
