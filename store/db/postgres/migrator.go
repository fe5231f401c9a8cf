package postgres

import (
	"context"

	"github.com/pkg/errors"
)

// Schema statements are idempotent so every node can run them at boot.
var migrations = []string{
	`CREATE SCHEMA IF NOT EXISTS core`,
	`CREATE SCHEMA IF NOT EXISTS telegram`,
	`CREATE SCHEMA IF NOT EXISTS otrs`,
	`CREATE SCHEMA IF NOT EXISTS employees`,
	`CREATE SCHEMA IF NOT EXISTS monitoring`,
	`CREATE SCHEMA IF NOT EXISTS cluster`,
	`CREATE SCHEMA IF NOT EXISTS backups`,

	`CREATE TABLE IF NOT EXISTS core.settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS telegram.chat_users (
		id SERIAL PRIMARY KEY,
		platform_user_id BIGINT NOT NULL UNIQUE,
		username TEXT NOT NULL DEFAULT '',
		full_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS telegram.verified_users (
		chat_user_id INTEGER PRIMARY KEY REFERENCES telegram.chat_users (id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		directory_login TEXT NOT NULL DEFAULT '',
		verified_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS telegram.verification_codes (
		chat_user_id INTEGER PRIMARY KEY REFERENCES telegram.chat_users (id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		code TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS telegram.persistent_messages (
		chat_id BIGINT NOT NULL,
		topic_id BIGINT NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (chat_id, topic_id, kind)
	)`,

	`CREATE TABLE IF NOT EXISTS telegram.pending_deletions (
		chat_id BIGINT NOT NULL,
		message_id INTEGER NOT NULL,
		topic_id BIGINT,
		delete_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (chat_id, message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_deletions_delete_at
		ON telegram.pending_deletions (delete_at)`,

	`CREATE TABLE IF NOT EXISTS otrs.ticket_shadows (
		ticket_id BIGINT PRIMARY KEY,
		ticket_number TEXT NOT NULL,
		last_seen_state TEXT NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS otrs.otrs_ticket_messages (
		ticket_id BIGINT NOT NULL REFERENCES otrs.ticket_shadows (ticket_id) ON DELETE CASCADE,
		chat_id BIGINT NOT NULL,
		topic_id BIGINT NOT NULL DEFAULT 0,
		message_id INTEGER NOT NULL,
		ticket_state TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (ticket_id, chat_id, topic_id)
	)`,

	`CREATE TABLE IF NOT EXISTS otrs.private_ticket_messages (
		chat_user_id INTEGER NOT NULL REFERENCES telegram.chat_users (id) ON DELETE CASCADE,
		ticket_id BIGINT NOT NULL,
		message_id INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (chat_user_id, ticket_id)
	)`,

	`CREATE TABLE IF NOT EXISTS otrs.ticket_actions (
		id BIGSERIAL PRIMARY KEY,
		chat_user_id INTEGER NOT NULL REFERENCES telegram.chat_users (id) ON DELETE CASCADE,
		action_kind TEXT NOT NULL CHECK (action_kind IN ('assigned', 'closed', 'rejected', 'commented')),
		ticket_id BIGINT NOT NULL,
		ticket_number TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		details JSONB NOT NULL DEFAULT '{}',
		at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ticket_actions_at ON otrs.ticket_actions (at)`,

	`CREATE TABLE IF NOT EXISTS monitoring.server_groups (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS monitoring.servers (
		id SERIAL PRIMARY KEY,
		group_id INTEGER NOT NULL REFERENCES monitoring.server_groups (id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (group_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS monitoring.server_events (
		id BIGSERIAL PRIMARY KEY,
		server_id INTEGER NOT NULL REFERENCES monitoring.servers (id) ON DELETE CASCADE,
		event_type TEXT NOT NULL CHECK (event_type IN ('UP', 'DOWN')),
		event_time TIMESTAMPTZ NOT NULL,
		duration_seconds BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_server_events_server_time
		ON monitoring.server_events (server_id, event_time DESC)`,

	`CREATE TABLE IF NOT EXISTS monitoring.server_metrics (
		server_id INTEGER PRIMARY KEY REFERENCES monitoring.servers (id) ON DELETE CASCADE,
		downtime_count BIGINT NOT NULL DEFAULT 0,
		total_downtime_seconds BIGINT NOT NULL DEFAULT 0,
		longest_downtime_seconds BIGINT NOT NULL DEFAULT 0,
		last_status TEXT NOT NULL DEFAULT 'UNKNOWN' CHECK (last_status IN ('UP', 'DOWN', 'UNKNOWN')),
		last_status_change TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS monitoring.daily_stats (
		server_id INTEGER NOT NULL REFERENCES monitoring.servers (id) ON DELETE CASCADE,
		date DATE NOT NULL,
		downtime_seconds BIGINT NOT NULL DEFAULT 0,
		downtime_count BIGINT NOT NULL DEFAULT 0,
		UNIQUE (server_id, date)
	)`,

	`CREATE TABLE IF NOT EXISTS cluster.cluster_nodes (
		node_id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL CHECK (node_type IN ('bot', 'web', 'worker')),
		hostname TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_leader BOOLEAN NOT NULL DEFAULT FALSE,
		last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS cluster.cluster_locks (
		lock_name TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		acquired_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS employees.employees (
		id SERIAL PRIMARY KEY,
		full_name TEXT NOT NULL,
		email TEXT,
		login TEXT,
		position TEXT,
		unit TEXT,
		hired_at DATE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS backups.employee_snapshots (
		id BIGSERIAL PRIMARY KEY,
		snapshot_name TEXT NOT NULL,
		snapshot_type TEXT NOT NULL CHECK (snapshot_type IN ('auto', 'manual')),
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		notes TEXT NOT NULL DEFAULT '',
		employees_data JSONB NOT NULL
	)`,
}

// Migrate applies the schema. Statements are ordered leaves-last so foreign
// keys resolve.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration failed: %.80s", stmt)
		}
	}
	return nil
}
