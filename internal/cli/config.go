package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/config"
	"github.com/aristath/agentmon/internal/scheduler"
)

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change scheduler settings",
	}
	cmd.AddCommand(newConfigShowCmd(g))
	cmd.AddCommand(newConfigSetCmd(g))
	cmd.AddCommand(newConfigInitCmd(g))
	return cmd
}

func newConfigShowCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the scheduler settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				cfg, err := app.Scheduler.Config(ctx)
				if err != nil {
					return err
				}
				// The loop lives in another process; the persisted marker is
				// what tells whether one is armed.
				if stored, err := app.Store.GetConfig(ctx); err == nil {
					cfg.Running = stored.Running
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), cfg)
				}
				printConfig(cmd.OutOrStdout(), cfg)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printConfig(out io.Writer, cfg scheduler.Config) {
	orNone := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "running\t%t\n", cfg.Running)
	_, _ = fmt.Fprintf(w, "provider\t%s\n", cfg.DefaultProvider)
	_, _ = fmt.Fprintf(w, "directory\t%s\n", cfg.DefaultDirectory)
	_, _ = fmt.Fprintf(w, "poll interval\t%s\n", cfg.PollInterval)
	_, _ = fmt.Fprintf(w, "stuck timeout\t%s\n", cfg.StuckTimeout)
	_, _ = fmt.Fprintf(w, "concurrency\t%d\n", cfg.Concurrency)
	_, _ = fmt.Fprintf(w, "email\t%s\n", orNone(cfg.Notify.Email))
	_, _ = fmt.Fprintf(w, "whatsapp\t%s\n", orNone(cfg.Notify.WhatsApp))
	_, _ = fmt.Fprintf(w, "slack webhook\t%s\n", orNone(cfg.Notify.SlackWebhook))
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\ninstructions:\n%s\n", cfg.Instructions)
}

func newConfigSetCmd(g *globals) *cobra.Command {
	var (
		poll             time.Duration
		stuck            time.Duration
		provider         string
		directory        string
		concurrency      int
		email            string
		whatsapp         string
		slackWebhook     string
		instructionsFile string
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change scheduler settings; unset flags keep their value",
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := cmd.Flags().Changed
			var set bool
			cmd.LocalFlags().VisitAll(func(f *pflag.Flag) { set = set || f.Changed })
			if !set {
				return fmt.Errorf("nothing to set")
			}
			if changed("provider") && !backend.ProviderKind(provider).Valid() {
				return fmt.Errorf("%w: %s", backend.ErrUnknownProvider, provider)
			}
			if changed("concurrency") && concurrency < 1 {
				return fmt.Errorf("--concurrency must be at least 1")
			}
			if (changed("poll-interval") && poll <= 0) || (changed("stuck-timeout") && stuck <= 0) {
				return fmt.Errorf("durations must be positive")
			}
			instructions, err := readInstructions(instructionsFile)
			if err != nil {
				return err
			}
			if changed("directory") {
				if directory, err = filepath.Abs(directory); err != nil {
					return err
				}
			}

			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				cfg, err := app.Scheduler.UpdateConfig(ctx, func(c *scheduler.Config) {
					if changed("poll-interval") {
						c.PollInterval = poll
					}
					if changed("stuck-timeout") {
						c.StuckTimeout = stuck
					}
					if changed("provider") {
						c.DefaultProvider = backend.ProviderKind(provider)
					}
					if changed("directory") {
						c.DefaultDirectory = directory
					}
					if changed("concurrency") {
						c.Concurrency = concurrency
					}
					if changed("email") {
						c.Notify.Email = email
					}
					if changed("whatsapp") {
						c.Notify.WhatsApp = whatsapp
					}
					if changed("slack-webhook") {
						c.Notify.SlackWebhook = slackWebhook
					}
					if changed("instructions-file") {
						c.Instructions = instructions
					}
				})
				if err != nil {
					return err
				}
				printConfig(cmd.OutOrStdout(), cfg)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.DurationVar(&poll, "poll-interval", 0, "How often the scheduler reconciles tasks")
	fl.DurationVar(&stuck, "stuck-timeout", 0, "How long an agent may wait for input before a notification")
	fl.StringVar(&provider, "provider", "", "Default provider: claude or codex")
	fl.StringVar(&directory, "directory", "", "Default working directory for tasks")
	fl.IntVar(&concurrency, "concurrency", 0, "How many agents of one stage start at once")
	fl.StringVar(&email, "email", "", "Notification email address (empty to clear)")
	fl.StringVar(&whatsapp, "whatsapp", "", "Notification WhatsApp number (empty to clear)")
	fl.StringVar(&slackWebhook, "slack-webhook", "", "Notification Slack webhook (empty to clear)")
	fl.StringVar(&instructionsFile, "instructions-file", "", "Default instructions document for pipeline agents")
	return cmd
}

func newConfigInitCmd(g *globals) *cobra.Command {
	var global bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective app config to a file for editing",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(".agentmon", "config.json")
			if global {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("getting home directory: %w", err)
				}
				path = config.GlobalPath(home)
			} else if g.configPath != "" {
				path = g.configPath
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Save(g.cfg, path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&global, "global", false, "Write ~/.agentmon/config.json instead of the project file")
	return cmd
}
