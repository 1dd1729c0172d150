package scheduler

import (
	"time"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/notify"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultStuckTimeout = 5 * time.Minute
	DefaultConcurrency  = 4
)

// DefaultInstructions seeds every pipeline agent's working copy unless the
// task or config provides its own document.
const DefaultInstructions = `# Agent Manager Instructions

You are an AI agent created by the Agent Manager to complete a specific task.
Follow the prompt instructions carefully and complete the task.
When done, ensure all changes are saved.
`

// Config is the scheduler's persisted policy. It is read fresh on every
// tick, so edits apply from the next tick on.
type Config struct {
	// Running is owned by Start and Stop; UpdateConfig never changes it.
	Running bool `json:"running"`

	Instructions     string               `json:"instructions"`
	DefaultDirectory string               `json:"defaultDirectory"`
	DefaultProvider  backend.ProviderKind `json:"defaultProvider"`
	PollInterval     time.Duration        `json:"pollInterval"`
	StuckTimeout     time.Duration        `json:"stuckTimeout"`
	// Concurrency caps how many agents of one stage are spawned at once.
	Concurrency int            `json:"concurrency"`
	Notify      notify.Targets `json:"notify"`
}

// DefaultConfig returns the policy used before anything is saved.
func DefaultConfig(directory string) Config {
	return Config{
		Instructions:     DefaultInstructions,
		DefaultDirectory: directory,
		DefaultProvider:  backend.ProviderClaude,
		PollInterval:     DefaultPollInterval,
		StuckTimeout:     DefaultStuckTimeout,
		Concurrency:      DefaultConcurrency,
	}
}

// normalize fills zero values so a partially saved config still works.
func (c Config) normalize(directory string) Config {
	def := DefaultConfig(directory)
	if c.DefaultDirectory == "" {
		c.DefaultDirectory = def.DefaultDirectory
	}
	if !c.DefaultProvider.Valid() {
		c.DefaultProvider = def.DefaultProvider
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = def.StuckTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	return c
}
