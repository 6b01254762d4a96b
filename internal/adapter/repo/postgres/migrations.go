package postgres

import (
	"context"
	"fmt"
)

// Schema DDL applied at startup. Statements are idempotent so repeated
// startups are safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS robots (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		network_address TEXT,
		state TEXT NOT NULL DEFAULT 'first_seen',
		last_seen TIMESTAMPTZ NOT NULL,
		settings JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS thresholds (
		robot_id TEXT NOT NULL REFERENCES robots(id) ON DELETE CASCADE,
		metric TEXT NOT NULL,
		warn_value DOUBLE PRECISION NOT NULL,
		crit_value DOUBLE PRECISION NOT NULL,
		hyst_warn DOUBLE PRECISION NOT NULL DEFAULT 2,
		hyst_crit DOUBLE PRECISION NOT NULL DEFAULT 3,
		enabled BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (robot_id, metric)
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		robot_id TEXT NOT NULL REFERENCES robots(id),
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		observed_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		threshold_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		dedup_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		acknowledged_by TEXT,
		acknowledged_at TIMESTAMPTZ,
		resolved_at TIMESTAMPTZ,
		extras JSONB NOT NULL DEFAULT '{}'
	)`,
	// At most one open alert per dedup key.
	`CREATE UNIQUE INDEX IF NOT EXISTS alerts_open_dedup
		ON alerts (dedup_key) WHERE resolved_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS alerts_robot_created
		ON alerts (robot_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id BIGSERIAL PRIMARY KEY,
		robot_id TEXT NOT NULL REFERENCES robots(id),
		task_name TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL DEFAULT 'scanning',
		status TEXT NOT NULL DEFAULT 'active',
		items_total INT NOT NULL DEFAULT 0,
		items_done INT NOT NULL DEFAULT 0,
		percent_complete DOUBLE PRECISION NOT NULL DEFAULT 0,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		last_item TEXT,
		cancel_reason TEXT,
		success BOOLEAN,
		CHECK (items_done >= 0 AND items_done <= items_total OR items_total = 0),
		CHECK ((status = 'active') = (end_time IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_robot_status ON jobs (robot_id, status)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		level TEXT NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		robot_id TEXT,
		details JSONB NOT NULL DEFAULT '{}',
		ts TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_ts ON audit_logs (ts DESC)`,
}

// Migrate applies the schema DDL.
func Migrate(ctx context.Context, pool PgxPool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.Migrate: statement %d: %w", i, err)
		}
	}
	return nil
}
