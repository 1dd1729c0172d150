package config

import (
	"os"
	"path/filepath"
)

// DefaultConfig returns the default configuration with both built-in providers.
func DefaultConfig() *AppConfig {
	dataDir := ".agentmon"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".agentmon")
	}
	return &AppConfig{
		DataDir: dataDir,
		Providers: map[string]ProviderConfig{
			"claude": {Command: "claude"},
			"codex":  {Command: "codex"},
		},
		SMTP: SMTPConfig{
			Port: 587,
			From: "agent-monitor@localhost",
		},
		Worktree: WorktreeConfig{
			Dir:      ".agent-worktrees",
			SeedFile: "CLAUDE.md",
		},
	}
}
