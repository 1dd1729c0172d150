package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/agentmon/internal/agent"
	"github.com/aristath/agentmon/internal/backend"
)

const agentColumns = `id, name, status, provider, directory, prompt, instructions,
	notify_email, notify_whatsapp, notify_slack,
	skip_permissions, resume, model, full_auto,
	worktree_path, worktree_branch, session_id, pid,
	cost_usd, input_tokens, output_tokens, last_activity, created_at`

// SaveAgent inserts or replaces an agent record. Messages are untouched.
func (s *SQLiteStore) SaveAgent(ctx context.Context, a *agent.Agent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				status = excluded.status,
				provider = excluded.provider,
				directory = excluded.directory,
				prompt = excluded.prompt,
				instructions = excluded.instructions,
				notify_email = excluded.notify_email,
				notify_whatsapp = excluded.notify_whatsapp,
				notify_slack = excluded.notify_slack,
				skip_permissions = excluded.skip_permissions,
				resume = excluded.resume,
				model = excluded.model,
				full_auto = excluded.full_auto,
				worktree_path = excluded.worktree_path,
				worktree_branch = excluded.worktree_branch,
				session_id = excluded.session_id,
				pid = excluded.pid,
				cost_usd = excluded.cost_usd,
				input_tokens = excluded.input_tokens,
				output_tokens = excluded.output_tokens,
				last_activity = excluded.last_activity
		`,
			a.ID, a.Name, string(a.Status), string(a.Config.Provider), a.Config.Directory, a.Config.Prompt, a.Config.Instructions,
			a.Config.Notify.Email, a.Config.Notify.WhatsApp, a.Config.Notify.SlackWebhook,
			boolInt(a.Config.Flags.SkipPermissions), a.Config.Flags.Resume, a.Config.Flags.Model, boolInt(a.Config.Flags.FullAuto),
			a.WorktreePath, a.WorktreeBranch, a.SessionID, a.PID,
			a.CostUSD, a.TokenUsage.Input, a.TokenUsage.Output, toMillis(a.LastActivity), toMillis(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert agent: %w", err)
		}
		return nil
	})
}

func scanAgent(row scanner) (*agent.Agent, error) {
	var (
		a                     agent.Agent
		status, provider      string
		skip, fullAuto        int
		lastActivity, created int64
	)
	err := row.Scan(
		&a.ID, &a.Name, &status, &provider, &a.Config.Directory, &a.Config.Prompt, &a.Config.Instructions,
		&a.Config.Notify.Email, &a.Config.Notify.WhatsApp, &a.Config.Notify.SlackWebhook,
		&skip, &a.Config.Flags.Resume, &a.Config.Flags.Model, &fullAuto,
		&a.WorktreePath, &a.WorktreeBranch, &a.SessionID, &a.PID,
		&a.CostUSD, &a.TokenUsage.Input, &a.TokenUsage.Output, &lastActivity, &created,
	)
	if err != nil {
		return nil, err
	}
	a.Status = agent.Status(status)
	a.Config.Provider = backend.ProviderKind(provider)
	a.Config.Flags.SkipPermissions = skip != 0
	a.Config.Flags.FullAuto = fullAuto != 0
	a.LastActivity = fromMillis(lastActivity)
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

// GetAgent returns the agent record without its transcript.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	return a, nil
}

// ListAgents returns every agent, oldest first.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	agents := []*agent.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// DeleteAgent removes the agent and, through the foreign key, its messages.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete agent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", agent.ErrNotFound, id)
		}
		return nil
	})
}

// AppendMessage adds one transcript entry. Messages are append-only.
func (s *SQLiteStore) AppendMessage(ctx context.Context, agentID string, msg agent.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_messages (id, agent_id, role, content, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, agentID, string(msg.Role), msg.Content, toMillis(msg.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		return nil
	})
}

// ListMessages returns the agent's transcript in insertion order. Returns
// an empty slice (not nil) if there is none.
func (s *SQLiteStore) ListMessages(ctx context.Context, agentID string) ([]agent.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp
		FROM agent_messages
		WHERE agent_id = ?
		ORDER BY seq ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []agent.Message{}
	for rows.Next() {
		var (
			msg  agent.Message
			role string
			ts   int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = backend.Role(role)
		msg.Timestamp = fromMillis(ts)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}
