package scheduler

import (
	"context"

	"github.com/aristath/agentmon/internal/agent"
	"github.com/aristath/agentmon/internal/notify"
)

// Store persists tasks and the scheduler config.
type Store interface {
	SaveTask(ctx context.Context, t *Task) error
	// GetTask returns ErrTaskNotFound for an unknown id.
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns tasks sorted by order, then creation time.
	ListTasks(ctx context.Context) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error

	// GetConfig returns ErrConfigNotFound until a config is saved.
	GetConfig(ctx context.Context) (Config, error)
	SaveConfig(ctx context.Context, cfg Config) error
}

// AgentRuntime creates and observes the agents that run tasks.
// agent.Manager implements it.
type AgentRuntime interface {
	CreateAgent(ctx context.Context, name string, cfg agent.Config) (*agent.Agent, error)
	// Get returns agent.ErrNotFound once the agent is gone.
	Get(ctx context.Context, id string) (*agent.Agent, error)
	Delete(ctx context.Context, id string) error
}

// Notifier delivers operator notifications without blocking.
type Notifier interface {
	Notify(targets notify.Targets, subject, body string)
}

// Recorder receives scheduler metrics; metrics.Registry implements it.
type Recorder interface {
	TickRan()
	TickSkipped()
	TaskTransition(status string)
}
