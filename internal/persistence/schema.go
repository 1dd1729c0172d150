package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		provider TEXT NOT NULL,
		directory TEXT NOT NULL,
		prompt TEXT NOT NULL,
		instructions TEXT NOT NULL DEFAULT '',
		notify_email TEXT NOT NULL DEFAULT '',
		notify_whatsapp TEXT NOT NULL DEFAULT '',
		notify_slack TEXT NOT NULL DEFAULT '',
		skip_permissions INTEGER NOT NULL DEFAULT 0,
		resume TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		full_auto INTEGER NOT NULL DEFAULT 0,
		worktree_path TEXT NOT NULL DEFAULT '',
		worktree_branch TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_agent_messages_agent_seq
		ON agent_messages(agent_id, seq);

	CREATE TABLE IF NOT EXISTS pipeline_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		ord INTEGER NOT NULL,
		status TEXT NOT NULL,
		directory TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		instructions TEXT NOT NULL DEFAULT '',
		skip_permissions INTEGER,
		full_auto INTEGER NOT NULL DEFAULT 0,
		agent_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0,
		notified_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_tasks_order
		ON pipeline_tasks(ord, created_at);

	CREATE TABLE IF NOT EXISTS scheduler_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		running INTEGER NOT NULL,
		instructions TEXT NOT NULL,
		default_directory TEXT NOT NULL,
		default_provider TEXT NOT NULL,
		poll_interval_ms INTEGER NOT NULL,
		stuck_timeout_ms INTEGER NOT NULL,
		concurrency INTEGER NOT NULL,
		notify_email TEXT NOT NULL DEFAULT '',
		notify_whatsapp TEXT NOT NULL DEFAULT '',
		notify_slack TEXT NOT NULL DEFAULT ''
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
