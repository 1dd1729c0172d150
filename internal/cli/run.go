package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/agentmon/internal/agent"
	"github.com/aristath/agentmon/internal/events"
	"github.com/aristath/agentmon/internal/scheduler"
	"github.com/aristath/agentmon/internal/tui"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(g *globals) *cobra.Command {
	var (
		useTUI      bool
		resume      bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline scheduler and supervise its agents",
		Long: `Run arms the scheduler and blocks. Without --tui it prints pipeline
progress and exits when the pipeline completes; with --tui it shows a live
monitor until you quit. SIGINT or SIGTERM stops the scheduler, stops every
agent and kills their process groups.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if useTUI {
				// Log lines would tear the alternate screen.
				logFile, err := openLogFile(g.cfg.DataDir)
				if err != nil {
					return err
				}
				defer func() { _ = logFile.Close() }()
				if g.logger, err = newLogger(logFile, g.logLevel, g.logFormat); err != nil {
					return err
				}
				slog.SetDefault(g.logger)
			}

			app, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			if n, err := app.Agents.RecoverOrphans(ctx); err != nil {
				return err
			} else if n > 0 {
				app.Logger.Warn("marked agents from a previous run as errored", "count", n)
			}

			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = g.cfg.MetricsAddr
			}
			if metricsAddr != "" {
				srv := newMetricsServer(metricsAddr, app)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						app.Logger.Error("metrics server failed", "addr", metricsAddr, "err", err)
					}
				}()
				app.Logger.Info("serving metrics", "addr", metricsAddr)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			arm := app.Scheduler.Start
			if resume {
				arm = app.Scheduler.Resume
			}
			if useTUI {
				err = runTUI(ctx, app, arm)
			} else {
				err = runHeadless(ctx, app, arm, cmd.OutOrStdout())
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if serr := app.Shutdown(shutdownCtx); serr != nil {
				app.Logger.Error("shutdown incomplete", "err", serr)
			}
			app.Logger.Info("shutdown complete")
			return err
		},
	}
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show the terminal monitor")
	cmd.Flags().BoolVar(&resume, "resume", false, "Arm the scheduler only if it was armed when the last monitor exited")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func openLogFile(dataDir string) (*os.File, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	path := filepath.Join(dataDir, "agentmon.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

func newMetricsServer(addr string, app *App) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// runHeadless prints pipeline events until the scheduler disarms itself or
// ctx ends.
func runHeadless(ctx context.Context, app *App, arm func(context.Context) error, out io.Writer) error {
	sub := app.Bus.SubscribeAll(1024)
	defer app.Bus.Unsubscribe(sub)

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range sub {
			if line := describeEvent(ev); line != "" {
				_, _ = fmt.Fprintln(out, line)
			}
		}
	}()

	if err := arm(ctx); err != nil {
		return err
	}
	if !app.Scheduler.IsRunning() {
		_, _ = fmt.Fprintln(out, "Scheduler was not armed; nothing to resume.")
		app.Bus.Unsubscribe(sub)
		<-printed
		return nil
	}

	select {
	case <-ctx.Done():
		_, _ = fmt.Fprintln(out, "Shutdown signal received, cleaning up...")
	case <-app.Scheduler.Done():
	}

	app.Bus.Unsubscribe(sub)
	<-printed
	return nil
}

// describeEvent renders an event as one line, or "" for events not worth
// printing in headless mode.
func describeEvent(ev events.Event) string {
	ts := func(t time.Time) string { return t.Local().Format(time.TimeOnly) }

	switch e := ev.(type) {
	case events.SchedulerStatusEvent:
		if e.Running {
			return ts(e.Timestamp) + " scheduler started"
		}
		return ts(e.Timestamp) + " scheduler stopped"
	case events.TaskUpdateEvent:
		if e.Deleted {
			return fmt.Sprintf("%s task %q deleted", ts(e.Timestamp), e.Name)
		}
		line := fmt.Sprintf("%s task %q (stage %d) %s", ts(e.Timestamp), e.Name, e.Order, e.Status)
		if e.Error != "" {
			line += ": " + e.Error
		}
		return line
	case events.PipelineProgressEvent:
		if e.Blocked {
			return fmt.Sprintf("%s pipeline blocked at stage %d by a failed task (%d failed)", ts(e.Timestamp), e.CurrentOrder, e.Failed)
		}
		return ""
	case events.PipelineCompleteEvent:
		result := "successfully"
		if !e.Success() {
			result = fmt.Sprintf("with %d failed", e.Failed)
		}
		return fmt.Sprintf("%s pipeline completed %s: %d/%d tasks completed", ts(e.Timestamp), result, e.Completed, e.Total)
	case events.AgentStatusEvent:
		return fmt.Sprintf("%s agent %q %s", ts(e.Timestamp), e.Name, e.Status)
	}
	return ""
}

// runTUI shows the monitor until the user quits or ctx ends.
func runTUI(ctx context.Context, app *App, arm func(context.Context) error) error {
	snap, err := loadSnapshot(ctx, app)
	if err != nil {
		return err
	}

	model := tui.New(tui.Options{
		Bus:      app.Bus,
		Snapshot: snap,
		SaveConfig: func(c scheduler.Config) (scheduler.Config, error) {
			return app.Scheduler.UpdateConfig(context.WithoutCancel(ctx), func(cur *scheduler.Config) { *cur = c })
		},
	})
	defer model.Close()

	if err := arm(ctx); err != nil {
		return err
	}

	p := tea.NewProgram(model, tea.WithAltScreen())
	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		p.Quit()
		select {
		case err := <-errChan:
			return err
		case <-time.After(shutdownTimeout):
			app.Logger.Warn("monitor did not exit in time")
			return nil
		}
	}
}

func loadSnapshot(ctx context.Context, app *App) (tui.Snapshot, error) {
	var snap tui.Snapshot
	var err error

	if snap.Agents, err = app.Agents.List(ctx); err != nil {
		return snap, err
	}
	snap.Messages = make(map[string][]agent.Message, len(snap.Agents))
	for _, a := range snap.Agents {
		msgs, err := app.Agents.Messages(ctx, a.ID)
		if err != nil {
			return snap, err
		}
		snap.Messages[a.ID] = msgs
	}
	if snap.Tasks, err = app.Scheduler.ListTasks(ctx); err != nil {
		return snap, err
	}
	if snap.Config, err = app.Scheduler.Config(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}
