package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/agentmon/internal/backend"
	"github.com/aristath/agentmon/internal/scheduler"
)

const taskColumns = `id, name, prompt, ord, status, directory, provider, model, instructions,
	skip_permissions, full_auto, agent_id, error, created_at, completed_at, notified_at`

// SaveTask inserts or replaces a pipeline task.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *scheduler.Task) error {
	// NULL keeps "not set" apart from an explicit false.
	var skip sql.NullInt64
	if t.Flags.SkipPermissions != nil {
		skip = sql.NullInt64{Int64: int64(boolInt(*t.Flags.SkipPermissions)), Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				prompt = excluded.prompt,
				ord = excluded.ord,
				status = excluded.status,
				directory = excluded.directory,
				provider = excluded.provider,
				model = excluded.model,
				instructions = excluded.instructions,
				skip_permissions = excluded.skip_permissions,
				full_auto = excluded.full_auto,
				agent_id = excluded.agent_id,
				error = excluded.error,
				completed_at = excluded.completed_at,
				notified_at = excluded.notified_at
		`,
			t.ID, t.Name, t.Prompt, t.Order, string(t.Status), t.Directory, string(t.Provider), t.Model, t.Instructions,
			skip, boolInt(t.Flags.FullAuto), t.AgentID, t.Error,
			toMillis(t.CreatedAt), toMillis(t.CompletedAt), toMillis(t.NotifiedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert task: %w", err)
		}
		return nil
	})
}

func scanTask(row scanner) (*scheduler.Task, error) {
	var (
		t                            scheduler.Task
		status, provider             string
		skip                         sql.NullInt64
		fullAuto                     int
		created, completed, notified int64
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Prompt, &t.Order, &status, &t.Directory, &provider, &t.Model, &t.Instructions,
		&skip, &fullAuto, &t.AgentID, &t.Error, &created, &completed, &notified,
	)
	if err != nil {
		return nil, err
	}
	t.Status = scheduler.TaskStatus(status)
	t.Provider = backend.ProviderKind(provider)
	if skip.Valid {
		v := skip.Int64 != 0
		t.Flags.SkipPermissions = &v
	}
	t.Flags.FullAuto = fullAuto != 0
	t.CreatedAt = fromMillis(created)
	t.CompletedAt = fromMillis(completed)
	t.NotifiedAt = fromMillis(notified)
	return &t, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM pipeline_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks sorted by stage, then creation time.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM pipeline_tasks
		ORDER BY ord ASC, created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*scheduler.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pipeline_tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
		}
		return nil
	})
}
