package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aristath/agentmon/internal/agent"
)

// AddTask validates n and stores it as a pending task. Without an explicit
// order the task becomes a new stage after the current last one.
func (s *Scheduler) AddTask(ctx context.Context, n NewTask) (*Task, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	order := 0
	if n.Order != nil {
		order = *n.Order
	} else {
		tasks, err := s.store.ListTasks(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}
		for _, t := range tasks {
			order = max(order, t.Order+1)
		}
	}

	t := &Task{
		ID:           uuid.NewString(),
		Name:         n.Name,
		Prompt:       n.Prompt,
		Order:        order,
		Status:       TaskPending,
		Directory:    n.Directory,
		Provider:     n.Provider,
		Model:        n.Model,
		Instructions: n.Instructions,
		Flags:        n.Flags,
		CreatedAt:    s.now(),
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	s.logger.Info("task added", "task_id", t.ID, "name", t.Name, "order", t.Order)
	s.publishTask(t, false)
	return t, nil
}

// UpdateTask edits a pending task.
func (s *Scheduler) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != TaskPending {
		return nil, fmt.Errorf("%w: cannot edit a %s task", ErrInvalidTransition, t.Status)
	}
	if err := patch.apply(t); err != nil {
		return nil, err
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	s.publishTask(t, false)
	return t, nil
}

// DeleteTask removes a task. A running task's agent is deleted with it so
// no process is left without an owner.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == TaskRunning && t.AgentID != "" {
		if err := s.agents.Delete(ctx, t.AgentID); err != nil && !errors.Is(err, agent.ErrNotFound) {
			s.logger.Warn("failed to delete agent of removed task", "task_id", t.ID, "agent_id", t.AgentID, "err", err)
		}
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	s.logger.Info("task deleted", "task_id", t.ID, "name", t.Name)
	s.publishTask(t, true)
	return nil
}

// ResetTask returns a completed or failed task to pending so the next tick
// can run it again.
func (s *Scheduler) ResetTask(ctx context.Context, id string) (*Task, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.Finished() {
		return nil, fmt.Errorf("%w: cannot reset a %s task", ErrInvalidTransition, t.Status)
	}
	t.Reset()
	if err := s.saveTask(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("task reset", "task_id", t.ID, "name", t.Name)
	return t, nil
}

// ClearFinished deletes every completed and failed task and returns how
// many were removed.
func (s *Scheduler) ClearFinished(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if !t.Status.Finished() {
			continue
		}
		if err := s.store.DeleteTask(ctx, t.ID); err != nil {
			return n, fmt.Errorf("failed to delete task %s: %w", t.ID, err)
		}
		s.publishTask(t, true)
		n++
	}
	return n, nil
}

// ListTasks returns every task in stage order.
func (s *Scheduler) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.store.ListTasks(ctx)
}

// GetTask returns one task.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.store.GetTask(ctx, id)
}
