package postgres

import (
	"context"
	"fmt"
	"time"
)

const schemaTimeout = 30 * time.Second

// JobsChannel is notified whenever jobs are inserted.
const JobsChannel = "finsync_jobs"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		owner_user_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		institution_id TEXT NOT NULL DEFAULT '',
		institution_name TEXT NOT NULL DEFAULT '',
		credential TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		error_message TEXT,
		error_since TIMESTAMPTZ,
		last_checked_at TIMESTAMPTZ,
		last_accessed_at TIMESTAMPTZ,
		last_notified_at TIMESTAMPTZ,
		last_expiry_notified_at TIMESTAMPTZ,
		notification_count INTEGER NOT NULL DEFAULT 0,
		recovery_attempts INTEGER NOT NULL DEFAULT 0,
		balance_last_updated TIMESTAMPTZ,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		user_id TEXT NOT NULL,
		team_id TEXT REFERENCES teams(id) ON DELETE SET NULL,
		schedule_ref TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_team ON connections (team_id)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_status ON connections (status) WHERE enabled`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
		external_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		account_type TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT 'USD',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		balance_current NUMERIC(20,4),
		balance_available NUMERIC(20,4),
		balance_average NUMERIC(20,4),
		monthly_income NUMERIC(20,4),
		monthly_spending NUMERIC(20,4),
		last_synced_at TIMESTAMPTZ,
		error_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (connection_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		pk BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		amount NUMERIC(20,4) NOT NULL,
		currency CHAR(3) NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		pending BOOLEAN NOT NULL DEFAULT FALSE,
		category TEXT,
		tags TEXT[] NOT NULL DEFAULT '{}',
		notes TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account_date ON transactions (account_id, date DESC)`,
	`CREATE TABLE IF NOT EXISTS sync_schedules (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL UNIQUE REFERENCES teams(id) ON DELETE CASCADE,
		cadence_seconds BIGINT NOT NULL,
		next_run_at TIMESTAMPTZ NOT NULL,
		last_run_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_schedules_next_run ON sync_schedules (next_run_at)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL DEFAULT '',
		connection_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		run_at TIMESTAMPTZ NOT NULL,
		locked_at TIMESTAMPTZ,
		locked_by TEXT,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs (run_at) WHERE status IN ('queued', 'running')`,
	`CREATE TABLE IF NOT EXISTS fcm_device_tokens (
		id TEXT PRIMARY KEY DEFAULT md5(random()::text || clock_timestamp()::text),
		user_id TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		device_type TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		category TEXT NOT NULL,
		data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates missing tables and indexes. It is idempotent.
func (db *DB) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()

	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
