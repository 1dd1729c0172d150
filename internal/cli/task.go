package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/config"
	"github.com/aristath/agentmon/internal/scheduler"
)

func newTaskCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage pipeline tasks",
	}
	cmd.AddCommand(newTaskAddCmd(g))
	cmd.AddCommand(newTaskListCmd(g))
	cmd.AddCommand(newTaskUpdateCmd(g))
	cmd.AddCommand(newTaskRmCmd(g))
	cmd.AddCommand(newTaskResetCmd(g))
	cmd.AddCommand(newTaskClearCmd(g))
	cmd.AddCommand(newTaskImportCmd(g))
	return cmd
}

// taskFlags are the per-task settings shared by add and update.
type taskFlags struct {
	name             string
	prompt           string
	order            int
	directory        string
	provider         string
	model            string
	instructionsFile string
	noSkip           bool
	fullAuto         bool
}

func (f *taskFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "Task name")
	fl.StringVar(&f.prompt, "prompt", "", "Prompt given to the agent")
	fl.IntVar(&f.order, "order", 0, "Stage number (default: a new stage after the last one)")
	fl.StringVar(&f.directory, "dir", "", "Working directory (default: scheduler default)")
	fl.StringVar(&f.provider, "provider", "", "Agent provider: claude or codex (default: scheduler default)")
	fl.StringVar(&f.model, "model", "", "Model passed to the provider")
	fl.StringVar(&f.instructionsFile, "instructions-file", "", "Instructions document seeded into the agent's working copy")
	fl.BoolVar(&f.noSkip, "no-skip-permissions", false, "Keep the provider's permission prompts")
	fl.BoolVar(&f.fullAuto, "full-auto", false, "Run codex with --full-auto")
}

func readInstructions(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading instructions: %w", err)
	}
	return string(data), nil
}

func (f *taskFlags) newTask(cmd *cobra.Command) (scheduler.NewTask, error) {
	instructions, err := readInstructions(f.instructionsFile)
	if err != nil {
		return scheduler.NewTask{}, err
	}
	n := scheduler.NewTask{
		Name:         f.name,
		Prompt:       f.prompt,
		Directory:    f.directory,
		Provider:     backend.ProviderKind(f.provider),
		Model:        f.model,
		Instructions: instructions,
		Flags:        scheduler.TaskFlags{FullAuto: f.fullAuto},
	}
	if cmd.Flags().Changed("order") {
		order := f.order
		n.Order = &order
	}
	if f.noSkip {
		skip := false
		n.Flags.SkipPermissions = &skip
	}
	return n, nil
}

// patch builds a TaskPatch from the flags the user actually set.
func (f *taskFlags) patch(cmd *cobra.Command, current *scheduler.Task) (scheduler.TaskPatch, error) {
	var p scheduler.TaskPatch
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = &f.name
	}
	if changed("prompt") {
		p.Prompt = &f.prompt
	}
	if changed("order") {
		p.Order = &f.order
	}
	if changed("dir") {
		p.Directory = &f.directory
	}
	if changed("provider") {
		kind := backend.ProviderKind(f.provider)
		p.Provider = &kind
	}
	if changed("model") {
		p.Model = &f.model
	}
	if changed("instructions-file") {
		instructions, err := readInstructions(f.instructionsFile)
		if err != nil {
			return p, err
		}
		p.Instructions = &instructions
	}
	if changed("no-skip-permissions") || changed("full-auto") {
		flags := current.Flags
		if changed("no-skip-permissions") {
			skip := !f.noSkip
			flags.SkipPermissions = &skip
		}
		if changed("full-auto") {
			flags.FullAuto = f.fullAuto
		}
		p.Flags = &flags
	}
	return p, nil
}

func newTaskAddCmd(g *globals) *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task to the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.name == "" || f.prompt == "" {
				return errors.New("--name and --prompt are required")
			}
			n, err := f.newTask(cmd)
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				t, err := app.Scheduler.AddTask(ctx, n)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added task %s %q (order %d)\n", t.ID, t.Name, t.Order)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newTaskListCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline tasks in stage order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				tasks, err := app.Scheduler.ListTasks(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), tasks)
				}
				printTasks(cmd.OutOrStdout(), tasks)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printTasks(out io.Writer, tasks []*scheduler.Task) {
	if len(tasks) == 0 {
		_, _ = fmt.Fprintln(out, "No tasks.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ORDER\tID\tSTATUS\tPROVIDER\tNAME\tERROR")
	for _, t := range tasks {
		provider := string(t.Provider)
		if provider == "" {
			provider = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", t.Order, t.ID, t.Status, provider, t.Name, t.Error)
	}
	_ = w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTaskUpdateCmd(g *globals) *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				current, err := app.Scheduler.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				p, err := f.patch(cmd, current)
				if err != nil {
					return err
				}
				t, err := app.Scheduler.UpdateTask(ctx, args[0], p)
				if errors.Is(err, scheduler.ErrInvalidTransition) {
					return fmt.Errorf("task %s is %s; only pending tasks can be changed", args[0], current.Status)
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated task %s %q\n", t.ID, t.Name)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newTaskRmCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a task (and its agent, if running)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.Scheduler.DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}

func newTaskResetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Return a completed or failed task to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				t, err := app.Scheduler.ResetTask(ctx, args[0])
				if errors.Is(err, scheduler.ErrInvalidTransition) {
					return fmt.Errorf("task %s has not finished; only completed or failed tasks can be reset", args[0])
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reset task %s %q\n", t.ID, t.Name)
				return nil
			})
		},
	}
}

func newTaskClearCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove completed and failed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				n, err := app.Scheduler.ClearFinished(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d finished tasks\n", n)
				return nil
			})
		},
	}
}

func newTaskImportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "import <pipeline.yaml>",
		Short: "Add every task from a YAML pipeline manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := config.LoadPipelineFile(args[0])
			if err != nil {
				return err
			}
			return g.withApp(cmd, func(ctx context.Context, app *App) error {
				for _, n := range tasks {
					t, err := app.Scheduler.AddTask(ctx, n)
					if err != nil {
						return fmt.Errorf("adding %q: %w", n.Name, err)
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added task %s %q (order %d)\n", t.ID, t.Name, t.Order)
				}
				return nil
			})
		},
	}
}
