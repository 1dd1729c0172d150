package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/scheduler"
)

// GetConfig returns the saved scheduler config, or
// scheduler.ErrConfigNotFound before the first save.
func (s *SQLiteStore) GetConfig(ctx context.Context) (scheduler.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		cfg             scheduler.Config
		running         int
		provider        string
		pollMs, stuckMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT running, instructions, default_directory, default_provider,
			poll_interval_ms, stuck_timeout_ms, concurrency,
			notify_email, notify_whatsapp, notify_slack
		FROM scheduler_config
		WHERE id = 1
	`).Scan(&running, &cfg.Instructions, &cfg.DefaultDirectory, &provider,
		&pollMs, &stuckMs, &cfg.Concurrency,
		&cfg.Notify.Email, &cfg.Notify.WhatsApp, &cfg.Notify.SlackWebhook)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.Config{}, scheduler.ErrConfigNotFound
	}
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("failed to query scheduler config: %w", err)
	}

	cfg.Running = running != 0
	cfg.DefaultProvider = backend.ProviderKind(provider)
	cfg.PollInterval = time.Duration(pollMs) * time.Millisecond
	cfg.StuckTimeout = time.Duration(stuckMs) * time.Millisecond
	return cfg, nil
}

// SaveConfig replaces the scheduler config.
func (s *SQLiteStore) SaveConfig(ctx context.Context, cfg scheduler.Config) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scheduler_config (id, running, instructions, default_directory, default_provider,
				poll_interval_ms, stuck_timeout_ms, concurrency,
				notify_email, notify_whatsapp, notify_slack)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				running = excluded.running,
				instructions = excluded.instructions,
				default_directory = excluded.default_directory,
				default_provider = excluded.default_provider,
				poll_interval_ms = excluded.poll_interval_ms,
				stuck_timeout_ms = excluded.stuck_timeout_ms,
				concurrency = excluded.concurrency,
				notify_email = excluded.notify_email,
				notify_whatsapp = excluded.notify_whatsapp,
				notify_slack = excluded.notify_slack
		`,
			boolInt(cfg.Running), cfg.Instructions, cfg.DefaultDirectory, string(cfg.DefaultProvider),
			cfg.PollInterval.Milliseconds(), cfg.StuckTimeout.Milliseconds(), cfg.Concurrency,
			cfg.Notify.Email, cfg.Notify.WhatsApp, cfg.Notify.SlackWebhook,
		)
		if err != nil {
			return fmt.Errorf("failed to save scheduler config: %w", err)
		}
		return nil
	})
}
