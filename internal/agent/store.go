package agent

import (
	"context"
	"errors"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/notify"
	"github.com/aristath/agentmon/internal/worktree"
)

var (
	// ErrNotFound is returned when an agent record does not exist.
	ErrNotFound = errors.New("agent not found")
	// ErrNotRunning is returned when an operation needs a live process.
	ErrNotRunning = errors.New("agent process not running")
)

// Store persists agent records and transcripts.
type Store interface {
	SaveAgent(ctx context.Context, a *Agent) error
	// GetAgent returns the record without its transcript, or ErrNotFound.
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	// DeleteAgent removes the record and its transcript.
	DeleteAgent(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, agentID string, msg Message) error
	ListMessages(ctx context.Context, agentID string) ([]Message, error)
}

// Isolator gives each agent its own working copy. worktree.Manager
// implements it.
type Isolator interface {
	Create(sourceDir, label, seed string) (*worktree.Copy, error)
	Remove(sourceDir, path, branch string) error
	UpdateSeedDocument(path, content string) error
}

// HumanNotifier is told when an agent needs attention. Implementations
// must not block.
type HumanNotifier interface {
	HumanNeeded(targets notify.Targets, agentName, details string)
}

// Recorder receives runtime metrics.
type Recorder interface {
	AgentStatusChanged(status string)
	AgentProcesses(n int)
}

// Supervisor is the process handle the runtime drives. *backend.Process
// implements it.
type Supervisor interface {
	Start() error
	SendMessage(text string) error
	Interrupt() error
	Stop() error
	PID() int
}

// ProcessFactory builds a Supervisor for one agent launch.
type ProcessFactory func(provider backend.Provider, opts backend.StartOptions, handler backend.Handler) Supervisor
