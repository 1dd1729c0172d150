package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths, then applies
// environment overrides.
// Global: ~/.agentmon/config.json
// Project: .agentmon/config.json (relative to cwd)
func LoadDefault() (*AppConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	cfg, err := Load(GlobalPath(homeDir), filepath.Join(".agentmon", "config.json"))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath is the per-user config file.
func GlobalPath(homeDir string) string {
	return filepath.Join(homeDir, ".agentmon", "config.json")
}

// mergeConfigFile decodes a JSON config file over base. Keys absent from the
// file keep their current values; provider entries are merged by name.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg with the environment, which wins over every file.
func ApplyEnv(cfg *AppConfig, getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	set(&cfg.DataDir, "AGENTMON_DATA_DIR")
	for env, provider := range map[string]string{"CLAUDE_BIN": "claude", "CODEX_BIN": "codex"} {
		if v := getenv(env); v != "" {
			cfg.Providers[provider] = ProviderConfig{Command: v}
		}
	}

	set(&cfg.SMTP.Host, "SMTP_HOST")
	set(&cfg.SMTP.Username, "SMTP_USER")
	set(&cfg.SMTP.Password, "SMTP_PASS")
	set(&cfg.SMTP.From, "SMTP_FROM")
	if v := getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_PORT %q: %w", v, err)
		}
		cfg.SMTP.Port = port
	}

	set(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	set(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	set(&cfg.Twilio.From, "TWILIO_WHATSAPP_FROM")
	set(&cfg.Slack.WebhookURL, "SLACK_WEBHOOK_URL")
	set(&cfg.MetricsAddr, "AGENTMON_METRICS_ADDR")
	return nil
}
