// Package cli is the agentmon command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/agentmon/internal/config"
)

// globals holds the persistent flags and what PersistentPreRunE derives
// from them.
type globals struct {
	logLevel   string
	logFormat  string
	dataDir    string
	configPath string

	cfg    *config.AppConfig
	logger *slog.Logger
}

func (g *globals) loadConfig() (*config.AppConfig, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if g.configPath == "" {
		cfg, err = config.LoadDefault()
	} else {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return nil, fmt.Errorf("getting home directory: %w", herr)
		}
		cfg, err = config.Load(config.GlobalPath(home), g.configPath)
		if err == nil {
			err = config.ApplyEnv(cfg, os.Getenv)
		}
	}
	if err != nil {
		return nil, err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	return cfg, nil
}

// open wires an App for one command. The caller closes it.
func (g *globals) open(ctx context.Context) (*App, error) {
	return newApp(ctx, g.cfg, g.logger, nil)
}

// withApp runs fn against a freshly opened App.
func (g *globals) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	ctx := cmd.Context()
	app, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return fn(ctx, app)
}

// NewRootCmd builds the agentmon command tree.
func NewRootCmd(version string) *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:          "agentmon",
		Short:        "Supervise coding-agent CLIs and run them as staged pipelines",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), g.logLevel, g.logFormat)
			if err != nil {
				return err
			}
			g.logger = logger
			slog.SetDefault(logger)

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			g.cfg = cfg
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&g.logFormat, "log-format", "text", "Log format (text or json)")
	flags.StringVar(&g.dataDir, "data-dir", "", "Override the data directory (default: ~/.agentmon, env: AGENTMON_DATA_DIR)")
	flags.StringVar(&g.configPath, "config", "", "Project config file (default: .agentmon/config.json)")

	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newTaskCmd(g))
	cmd.AddCommand(newConfigCmd(g))
	cmd.AddCommand(newAgentCmd(g))
	cmd.AddCommand(newWorktreesCmd(g))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
