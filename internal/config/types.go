package config

import (
	"path/filepath"
	"time"

	"github.com/aristath/agentmon/internal/backend"
)

// ProviderConfig names the CLI binary for one provider.
type ProviderConfig struct {
	Command string `json:"command"` // CLI binary name or path (e.g., "claude", "/opt/bin/codex")
}

// SMTPConfig configures the email notifier.
type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
}

// TwilioConfig configures the WhatsApp notifier.
type TwilioConfig struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
	From       string `json:"from,omitempty"` // WhatsApp sender number
}

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"` // Used when a target has no webhook of its own
}

// WorktreeConfig controls where isolated copies live and what they're seeded with.
type WorktreeConfig struct {
	Dir      string `json:"dir,omitempty"`       // Relative to the source repo
	SeedFile string `json:"seed_file,omitempty"` // Instructions document written into each copy
}

// AppConfig is the top-level configuration.
type AppConfig struct {
	DataDir          string                    `json:"data_dir"`
	Providers        map[string]ProviderConfig `json:"providers"`
	SMTP             SMTPConfig                `json:"smtp"`
	Twilio           TwilioConfig              `json:"twilio"`
	Slack            SlackConfig               `json:"slack"`
	Worktree         WorktreeConfig            `json:"worktree"`
	MetricsAddr      string                    `json:"metrics_addr,omitempty"`
	StopGraceSeconds int                       `json:"stop_grace_seconds,omitempty"`
}

// DBPath is the SQLite database location inside the data dir.
func (c *AppConfig) DBPath() string {
	return filepath.Join(c.DataDir, "agentmon.db")
}

// Binaries maps each known provider to its configured command.
func (c *AppConfig) Binaries() map[backend.ProviderKind]string {
	out := make(map[backend.ProviderKind]string, len(c.Providers))
	for name, p := range c.Providers {
		kind := backend.ProviderKind(name)
		if kind.Valid() && p.Command != "" {
			out[kind] = p.Command
		}
	}
	return out
}

// StopGrace is the SIGTERM to SIGKILL delay for agent processes.
func (c *AppConfig) StopGrace() time.Duration {
	if c.StopGraceSeconds <= 0 {
		return backend.DefaultStopGrace
	}
	return time.Duration(c.StopGraceSeconds) * time.Second
}
