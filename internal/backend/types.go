package backend

import "encoding/json"

// ProviderKind names one of the supported agent CLIs.
type ProviderKind string

const (
	ProviderClaude ProviderKind = "claude"
	ProviderCodex  ProviderKind = "codex"
)

// Valid reports whether k is a known provider.
func (k ProviderKind) Valid() bool {
	return k == ProviderClaude || k == ProviderCodex
}

// Role is the author of a normalized transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// StartOptions describes a single agent process launch.
type StartOptions struct {
	Binary          string // overrides the provider's default executable
	Dir             string
	Prompt          string
	Model           string
	Resume          string // provider session/thread token to continue
	SkipPermissions bool
	FullAuto        bool
	Env             []string
}

// EventKind classifies what a Process reports to its handler.
type EventKind string

const (
	EventMessage EventKind = "message" // one valid JSON line from stdout
	EventRaw     EventKind = "raw"     // a stdout line that was not valid JSON
	EventStderr  EventKind = "stderr"
	EventExit    EventKind = "exit"
	EventError   EventKind = "error"
)

// StreamMessage is one structured line emitted by a provider CLI.
// Type and Subtype are lifted out of Raw for dispatch.
type StreamMessage struct {
	Type    string
	Subtype string
	Raw     json.RawMessage
}

// Event is delivered, in order, to a Process handler.
type Event struct {
	Kind    EventKind
	Message StreamMessage // EventMessage
	Text    string        // EventRaw, EventStderr

	// ExitCode is nil when the process was terminated by a signal.
	ExitCode *int
	Signal   string
	Err      error // EventError
}

// Handler receives process events. It is always invoked from a single
// goroutine per Process.
type Handler func(Event)

// Entry is a normalized transcript line.
type Entry struct {
	Role    Role
	Content string
}

// Usage is a token-count delta reported by a provider.
type Usage struct {
	Input  int64
	Output int64
}

// Normalized is the provider-independent reading of one StreamMessage.
type Normalized struct {
	Entries []Entry

	// Done is set when the provider reports a clean end of the run.
	Done bool

	CostUSD   *float64
	Usage     *Usage
	SessionID string

	PermissionPrompt bool
	PromptText       string
}
