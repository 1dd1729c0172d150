package agent

import (
	"time"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/notify"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Active reports whether the agent still has (or should have) a process.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusWaitingInput
}

// Message is one entry in an agent's transcript.
type Message struct {
	ID        string       `json:"id"`
	Role      backend.Role `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// TokenUsage accumulates provider-reported token counts.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Flags are provider launch options.
type Flags struct {
	SkipPermissions bool   `json:"dangerouslySkipPermissions,omitempty"`
	Resume          string `json:"resume,omitempty"`
	Model           string `json:"model,omitempty"`
	FullAuto        bool   `json:"fullAuto,omitempty"`
}

// Config is what an agent was launched with.
type Config struct {
	Provider     backend.ProviderKind `json:"provider"`
	Directory    string               `json:"directory"`
	Prompt       string               `json:"prompt"`
	Instructions string               `json:"instructions,omitempty"`
	Notify       notify.Targets       `json:"notify,omitempty"`
	Flags        Flags                `json:"flags"`
}

// Agent is the persisted record of one agent run.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	Config Config `json:"config"`

	WorktreePath   string `json:"worktreePath,omitempty"`
	WorktreeBranch string `json:"worktreeBranch,omitempty"`

	// SessionID is the provider's resume token, captured from the stream.
	SessionID string `json:"sessionId,omitempty"`
	PID       int    `json:"pid,omitempty"`

	CostUSD    float64    `json:"costUsd,omitempty"`
	TokenUsage TokenUsage `json:"tokenUsage"`

	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// WorkDir is where the agent process runs.
func (a *Agent) WorkDir() string {
	if a.WorktreePath != "" {
		return a.WorktreePath
	}
	return a.Config.Directory
}

// Isolated reports whether the agent got its own worktree.
func (a *Agent) Isolated() bool {
	return a.WorktreeBranch != ""
}
