package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aristath/agentmon/internal/agent"
	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/config"
	"github.com/aristath/agentmon/internal/events"
	"github.com/aristath/agentmon/internal/metrics"
	"github.com/aristath/agentmon/internal/notify"
	"github.com/aristath/agentmon/internal/persistence"
	"github.com/aristath/agentmon/internal/scheduler"
	"github.com/aristath/agentmon/internal/worktree"
)

// App is the fully wired set of components behind every command.
type App struct {
	Config    *config.AppConfig
	Logger    *slog.Logger
	Store     *persistence.SQLiteStore
	Bus       *events.EventBus
	Metrics   *metrics.Registry
	Procs     *backend.ProcessManager
	Notifier  *notify.Dispatcher
	Worktrees *worktree.Manager
	Agents    *agent.Manager
	Scheduler *scheduler.Scheduler
}

// newApp opens the store and wires the runtime around it. store is
// normally nil; tests pass an in-memory one.
func newApp(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, store *persistence.SQLiteStore) (*App, error) {
	if store == nil {
		var err error
		store, err = persistence.NewSQLiteStore(ctx, cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	reg := metrics.New()
	bus := events.NewEventBus()
	bus.OnDrop(func(events.Event) { reg.EventDropped() })

	dispatcher := notify.NewDispatcher(logger.With("component", "notify"), []notify.Notifier{
		notify.NewEmailNotifier(notify.EmailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}),
		notify.NewSlackNotifier(cfg.Slack.WebhookURL, nil),
		notify.NewWhatsAppNotifier(notify.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.From,
		}, nil),
	}, notify.WithRecorder(reg))

	procs := backend.NewProcessManager()
	wt := worktree.NewManager(worktree.Config{Dir: cfg.Worktree.Dir, SeedFile: cfg.Worktree.SeedFile})

	agents := agent.NewManager(agent.ManagerConfig{
		Store:          store,
		Isolator:       wt,
		Notifier:       dispatcher,
		Bus:            bus,
		Logger:         logger,
		Metrics:        reg,
		Binaries:       cfg.Binaries(),
		ProcessManager: procs,
		StopGrace:      cfg.StopGrace(),
	})

	sched := scheduler.New(scheduler.Options{
		Store:    store,
		Agents:   agents,
		Notifier: dispatcher,
		Bus:      bus,
		Logger:   logger,
		Metrics:  reg,
	})

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Bus:       bus,
		Metrics:   reg,
		Procs:     procs,
		Notifier:  dispatcher,
		Worktrees: wt,
		Agents:    agents,
		Scheduler: sched,
	}, nil
}

// Shutdown disarms the scheduler, stops every agent and kills whatever
// process groups remain. Pending notifications get a chance to go out.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
	}
	if err := a.Agents.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping agents: %w", err))
	}
	if err := a.Procs.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("killing processes: %w", err))
	}

	waited := make(chan struct{})
	go func() {
		a.Notifier.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		a.Logger.Warn("shutdown timeout exceeded, dropping pending notifications")
	}
	return errors.Join(errs...)
}

// Close releases the bus and the store.
func (a *App) Close() error {
	a.Bus.Close()
	return a.Store.Close()
}
