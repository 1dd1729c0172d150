// Package scheduler runs pipeline tasks through agents, one stage at a
// time, with a level-triggered reconciliation loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aristath/agentmon/internal/events"
)

// ErrTickInProgress is returned by Tick when another tick hasn't finished.
var ErrTickInProgress = errors.New("tick already in progress")

// Options wires a Scheduler's collaborators. Store and Agents are required.
type Options struct {
	Store    Store
	Agents   AgentRuntime
	Notifier Notifier
	Bus      *events.EventBus
	Logger   *slog.Logger
	Metrics  Recorder

	// DefaultDirectory is used until the config names one. Defaults to the
	// process working directory.
	DefaultDirectory string
}

// Scheduler owns the pipeline loop.
//
// Every task mutation, whether from a tick or from an operator call, holds
// tickMu, so the store sees a single writer for tasks. The loop itself only
// ever TryLocks it: a tick never queues behind another one.
type Scheduler struct {
	store    Store
	agents   AgentRuntime
	notifier Notifier
	bus      *events.EventBus
	logger   *slog.Logger
	metrics  Recorder
	dir      string
	now      func() time.Time

	tickMu sync.Mutex

	// mu guards the loop state and serializes config writes.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. It doesn't start the loop.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := opts.DefaultDirectory
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}
	return &Scheduler{
		store:    opts.Store,
		agents:   opts.Agents,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		logger:   logger.With("component", "scheduler"),
		metrics:  opts.Metrics,
		dir:      dir,
		now:      time.Now,
	}
}

// Config returns the saved policy, or the defaults if nothing is saved.
// Running reflects the live loop rather than the persisted marker.
func (s *Scheduler) Config(ctx context.Context) (Config, error) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg.Running = s.IsRunning()
	return cfg, nil
}

func (s *Scheduler) loadConfig(ctx context.Context) (Config, error) {
	cfg, err := s.store.GetConfig(ctx)
	if errors.Is(err, ErrConfigNotFound) {
		cfg = DefaultConfig(s.dir)
	} else if err != nil {
		return Config{}, fmt.Errorf("failed to load scheduler config: %w", err)
	}
	return cfg.normalize(s.dir), nil
}

// UpdateConfig applies fn to the current policy and saves it. The running
// flag is preserved whatever fn does to it.
func (s *Scheduler) UpdateConfig(ctx context.Context, fn func(*Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return Config{}, err
	}
	running := s.cancel != nil
	cfg.Running = running
	fn(&cfg)
	cfg.Running = running

	if cfg.DefaultProvider != "" && !cfg.DefaultProvider.Valid() {
		return Config{}, fmt.Errorf("invalid default provider %q", cfg.DefaultProvider)
	}
	cfg = cfg.normalize(s.dir)
	if err := s.store.SaveConfig(ctx, cfg); err != nil {
		return Config{}, fmt.Errorf("failed to save scheduler config: %w", err)
	}
	return cfg, nil
}

// IsRunning reports whether the loop is armed.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Done returns a channel closed when the most recently started loop exits,
// or nil if the scheduler was never started.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start arms the loop, persists the running marker and runs one tick
// before returning. Calling Start while running does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	cfg.Running = true
	if err := s.store.SaveConfig(ctx, cfg); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to save scheduler config: %w", err)
	}

	// The loop outlives the caller's context; Stop ends it.
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	s.logger.Info("scheduler started", "poll_interval", cfg.PollInterval)
	s.publish(events.SchedulerStatusEvent{Running: true, Timestamp: s.now()})

	go s.loop(loopCtx, cfg.PollInterval, done)
	if err := s.Tick(loopCtx); err != nil && !errors.Is(err, ErrTickInProgress) {
		s.logger.Error("tick failed", "err", err)
	}
	return nil
}

// Resume starts the loop if the persisted config says it was running when
// the process last exited.
func (s *Scheduler) Resume(ctx context.Context) error {
	cfg, err := s.store.GetConfig(ctx)
	if errors.Is(err, ErrConfigNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load scheduler config: %w", err)
	}
	if !cfg.Running {
		return nil
	}
	return s.Start(ctx)
}

// Stop disarms the loop and persists running=false. It doesn't wait for an
// in-flight tick; use Done for that.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg.Running = false
	if err := s.store.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save scheduler config: %w", err)
	}

	s.logger.Info("scheduler stopped")
	s.publish(events.SchedulerStatusEvent{Running: false, Timestamp: s.now()})
	return nil
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := s.Tick(ctx)
		switch {
		case errors.Is(err, ErrTickInProgress):
			continue
		case err != nil:
			s.logger.Error("tick failed", "err", err)
		}

		if ctx.Err() != nil {
			return
		}
		if cfg, err := s.loadConfig(ctx); err == nil && cfg.PollInterval != interval {
			interval = cfg.PollInterval
			ticker.Reset(interval)
			s.logger.Debug("poll interval changed", "poll_interval", interval)
		}
	}
}

// Tick runs one reconciliation pass. It returns ErrTickInProgress without
// doing anything if another tick holds the lock.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		s.logger.Debug("tick skipped, previous tick still running")
		if s.metrics != nil {
			s.metrics.TickSkipped()
		}
		return ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	if s.metrics != nil {
		s.metrics.TickRan()
	}
	return s.tick(ctx)
}

func (s *Scheduler) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func (s *Scheduler) publishTask(t *Task, deleted bool) {
	s.publish(events.TaskUpdateEvent{
		TaskID:    t.ID,
		Name:      t.Name,
		Order:     t.Order,
		Status:    string(t.Status),
		AgentID:   t.AgentID,
		Error:     t.Error,
		Deleted:   deleted,
		Timestamp: s.now(),
	})
}
