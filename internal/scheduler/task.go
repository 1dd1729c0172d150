package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/agentmon/internal/backend"
)

var (
	// ErrTaskNotFound is returned when no task has the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrConfigNotFound is returned by a Store that has no saved scheduler config.
	ErrConfigNotFound = errors.New("scheduler config not found")
	// ErrInvalidTransition is returned when a task operation doesn't apply to
	// the task's current status.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrInvalidTask is returned for a task that fails validation.
	ErrInvalidTask = errors.New("invalid task")
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Waiting for its stage
	TaskRunning   TaskStatus = "running"   // Bound to a live agent
	TaskCompleted TaskStatus = "completed" // Agent stopped cleanly
	TaskFailed    TaskStatus = "failed"    // Agent errored, vanished or never started
)

// Finished reports whether the task has reached completed or failed.
func (s TaskStatus) Finished() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskFlags are per-task launch options. A nil SkipPermissions means the
// pipeline default, which is to bypass permission prompts.
type TaskFlags struct {
	SkipPermissions *bool `json:"dangerouslySkipPermissions,omitempty" yaml:"skipPermissions,omitempty"`
	FullAuto        bool  `json:"fullAuto,omitempty" yaml:"fullAuto,omitempty"`
}

// SkipsPermissions resolves the permission bypass flag.
func (f TaskFlags) SkipsPermissions() bool {
	if f.SkipPermissions == nil {
		return true
	}
	return *f.SkipPermissions
}

// Task is one unit of pipeline work. Tasks sharing an Order form a stage.
type Task struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Prompt string     `json:"prompt"`
	Order  int        `json:"order"`
	Status TaskStatus `json:"status"`

	// Empty overrides fall back to the scheduler config.
	Directory    string               `json:"directory,omitempty"`
	Provider     backend.ProviderKind `json:"provider,omitempty"`
	Model        string               `json:"model,omitempty"`
	Instructions string               `json:"instructions,omitempty"`
	Flags        TaskFlags            `json:"flags"`

	AgentID     string    `json:"agentId,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	// NotifiedAt is when the last stuck-agent notification went out.
	NotifiedAt time.Time `json:"notifiedAt,omitzero"`
}

// Reset returns a finished task to pending and forgets its previous run.
func (t *Task) Reset() {
	t.Status = TaskPending
	t.AgentID = ""
	t.Error = ""
	t.CompletedAt = time.Time{}
	t.NotifiedAt = time.Time{}
}

func (t *Task) fail(reason string, now time.Time) {
	t.Status = TaskFailed
	t.Error = reason
	t.CompletedAt = now
}

// NewTask describes a task to add. A nil Order appends a new stage after
// the last one.
type NewTask struct {
	Name         string               `yaml:"name"`
	Prompt       string               `yaml:"prompt"`
	Order        *int                 `yaml:"order,omitempty"`
	Directory    string               `yaml:"directory,omitempty"`
	Provider     backend.ProviderKind `yaml:"provider,omitempty"`
	Model        string               `yaml:"model,omitempty"`
	Instructions string               `yaml:"instructions,omitempty"`
	Flags        TaskFlags            `yaml:"flags,omitempty"`
}

func (n NewTask) validate() error {
	if n.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if n.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidTask)
	}
	if n.Order != nil && *n.Order < 0 {
		return fmt.Errorf("%w: order must not be negative", ErrInvalidTask)
	}
	if n.Provider != "" && !n.Provider.Valid() {
		return fmt.Errorf("%w: %w: %s", ErrInvalidTask, backend.ErrUnknownProvider, n.Provider)
	}
	return nil
}

// TaskPatch changes the fields of a pending task. Nil fields are left alone.
type TaskPatch struct {
	Name         *string
	Prompt       *string
	Order        *int
	Directory    *string
	Provider     *backend.ProviderKind
	Model        *string
	Instructions *string
	Flags        *TaskFlags
}

func (p TaskPatch) apply(t *Task) error {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Prompt != nil {
		t.Prompt = *p.Prompt
	}
	if p.Order != nil {
		t.Order = *p.Order
	}
	if p.Directory != nil {
		t.Directory = *p.Directory
	}
	if p.Provider != nil {
		t.Provider = *p.Provider
	}
	if p.Model != nil {
		t.Model = *p.Model
	}
	if p.Instructions != nil {
		t.Instructions = *p.Instructions
	}
	if p.Flags != nil {
		t.Flags = *p.Flags
	}

	order := t.Order
	return NewTask{Name: t.Name, Prompt: t.Prompt, Order: &order, Provider: t.Provider}.validate()
}
