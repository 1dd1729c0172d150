package backend

import (
	"errors"
	"fmt"
)

// ErrUnknownProvider is returned for provider names outside the supported set.
var ErrUnknownProvider = errors.New("unknown provider")

// Capabilities describes what a provider's stream can report and accept.
type Capabilities struct {
	AssistantText    bool
	ToolUse          bool
	UsageTotals      bool
	PermissionPrompt bool
	FollowUpInput    bool // accepts JSON lines on stdin after launch

	// ExitsAfterRun is false for CLIs that keep running after their final
	// result; the caller has to stop those explicitly.
	ExitsAfterRun bool
}

// Provider adapts one agent CLI: how to launch it and how to read its stream.
type Provider interface {
	Kind() ProviderKind
	DefaultBinary() string
	Capabilities() Capabilities
	BuildArgs(opts StartOptions) []string
	Normalize(msg StreamMessage) Normalized
}

// LookupProvider returns the adapter for kind.
func LookupProvider(kind ProviderKind) (Provider, error) {
	switch kind {
	case ProviderClaude:
		return claudeProvider{}, nil
	case ProviderCodex:
		return codexProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
}
