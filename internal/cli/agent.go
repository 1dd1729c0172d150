package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentmon/internal/agent"
	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/events"
	"github.com/aristath/agentmon/internal/notify"
)

func newAgentCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and run agents",
	}
	cmd.AddCommand(newAgentListCmd(g))
	cmd.AddCommand(newAgentShowCmd(g))
	cmd.AddCommand(newAgentRmCmd(g))
	cmd.AddCommand(newAgentRunCmd(g))
	return cmd
}

func newAgentListCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				agents, err := app.Agents.List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), agents)
				}
				printAgents(cmd.OutOrStdout(), agents)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printAgents(out io.Writer, agents []*agent.Agent) {
	if len(agents) == 0 {
		_, _ = fmt.Fprintln(out, "No agents.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPROVIDER\tCOST\tLAST ACTIVITY\tNAME")
	for _, a := range agents {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%s\t%s\n",
			a.ID, a.Status, a.Config.Provider, a.CostUSD,
			a.LastActivity.Local().Format(time.DateTime), a.Name)
	}
	_ = w.Flush()
}

func newAgentShowCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print an agent record and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				a, err := app.Agents.Get(ctx, args[0])
				if err != nil {
					return err
				}
				msgs, err := app.Agents.Messages(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, struct {
						*agent.Agent
						Messages []agent.Message `json:"messages"`
					}{a, msgs})
				}

				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "id\t%s\n", a.ID)
				_, _ = fmt.Fprintf(w, "name\t%s\n", a.Name)
				_, _ = fmt.Fprintf(w, "status\t%s\n", a.Status)
				_, _ = fmt.Fprintf(w, "provider\t%s\n", a.Config.Provider)
				_, _ = fmt.Fprintf(w, "directory\t%s\n", a.WorkDir())
				if a.Isolated() {
					_, _ = fmt.Fprintf(w, "branch\t%s\n", a.WorktreeBranch)
				}
				if a.SessionID != "" {
					_, _ = fmt.Fprintf(w, "session\t%s\n", a.SessionID)
				}
				_, _ = fmt.Fprintf(w, "cost\t$%.4f\n", a.CostUSD)
				_, _ = fmt.Fprintf(w, "tokens\t%d in / %d out\n", a.TokenUsage.Input, a.TokenUsage.Output)
				_ = w.Flush()

				_, _ = fmt.Fprintln(out)
				for _, m := range msgs {
					_, _ = fmt.Fprintf(out, "%s [%s] %s\n", m.Timestamp.Local().Format(time.TimeOnly), m.Role, m.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newAgentRmCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete an agent record, its transcript and its worktree",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.Agents.Delete(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted agent %s\n", args[0])
				return nil
			})
		},
	}
}

func newAgentRunCmd(g *globals) *cobra.Command {
	var (
		name             string
		prompt           string
		directory        string
		provider         string
		model            string
		resume           string
		instructionsFile string
		skipPermissions  bool
		fullAuto         bool
		targets          notify.Targets
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch one agent and stream its transcript until it stops",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return errors.New("--prompt is required")
			}
			dir, err := filepath.Abs(directory)
			if err != nil {
				return err
			}
			instructions, err := readInstructions(instructionsFile)
			if err != nil {
				return err
			}
			if name == "" {
				name = provider + " agent"
			}

			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				sub := app.Bus.Subscribe(events.TopicAgent, 1024)

				a, err := app.Agents.CreateAgent(ctx, name, agent.Config{
					Provider:     backend.ProviderKind(provider),
					Directory:    dir,
					Prompt:       prompt,
					Instructions: instructions,
					Notify:       targets,
					Flags: agent.Flags{
						SkipPermissions: skipPermissions,
						Resume:          resume,
						Model:           model,
						FullAuto:        fullAuto,
					},
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "Started agent %s in %s\n", a.ID, a.WorkDir())

				status := streamAgent(ctx, out, sub, a.ID)
				if ctx.Err() != nil {
					_, _ = fmt.Fprintln(out, "Interrupted, stopping agent...")
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
					defer cancel()
					return app.Shutdown(shutdownCtx)
				}
				if status == string(agent.StatusError) {
					return fmt.Errorf("agent %s ended with an error", a.ID)
				}
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&name, "name", "", "Display name")
	fl.StringVar(&prompt, "prompt", "", "Prompt given to the agent")
	fl.StringVar(&directory, "dir", ".", "Source directory")
	fl.StringVar(&provider, "provider", string(backend.ProviderClaude), "Agent provider: claude or codex")
	fl.StringVar(&model, "model", "", "Model passed to the provider")
	fl.StringVar(&resume, "resume", "", "Resume a previous provider session")
	fl.StringVar(&instructionsFile, "instructions-file", "", "Instructions document seeded into the working copy")
	fl.BoolVar(&skipPermissions, "skip-permissions", false, "Bypass the provider's permission prompts")
	fl.BoolVar(&fullAuto, "full-auto", false, "Run codex with --full-auto")
	fl.StringVar(&targets.Email, "email", "", "Email to notify when the agent needs input")
	fl.StringVar(&targets.WhatsApp, "whatsapp", "", "WhatsApp number to notify when the agent needs input")
	fl.StringVar(&targets.SlackWebhook, "slack-webhook", "", "Slack webhook to notify when the agent needs input")
	return cmd
}

// streamAgent prints the agent's events until it reaches a terminal status
// or ctx ends, and returns the last status seen.
func streamAgent(ctx context.Context, out io.Writer, sub <-chan events.Event, id string) string {
	status := string(agent.StatusRunning)
	for {
		select {
		case <-ctx.Done():
			return status
		case ev, ok := <-sub:
			if !ok {
				return status
			}
			if ev.SubjectID() != id {
				continue
			}
			switch e := ev.(type) {
			case events.AgentMessageEvent:
				if e.Role == "" {
					_, _ = fmt.Fprintln(out, e.Raw)
				} else {
					_, _ = fmt.Fprintf(out, "[%s] %s\n", e.Role, e.Content)
				}
			case events.AgentStatusEvent:
				status = e.Status
				_, _ = fmt.Fprintf(out, "-- status: %s\n", e.Status)
				if agent.Status(e.Status).Terminal() {
					return status
				}
			}
		}
	}
}
