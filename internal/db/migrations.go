package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS flags (
	flag_key TEXT PRIMARY KEY,
	flag_value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS identity_session (
	slot INTEGER PRIMARY KEY CHECK(slot = 1),
	token TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS device_triggers (
	trigger_key TEXT PRIMARY KEY,
	mechanism TEXT NOT NULL CHECK(mechanism IN ('exact_alarm','notification')),
	fire_at_ms INTEGER NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	sound TEXT NOT NULL,
	critical INTEGER NOT NULL DEFAULT 0,
	category TEXT NOT NULL DEFAULT '',
	installed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS device_triggers_fire_at
ON device_triggers(fire_at_ms);
`,
		DownSQL: `
DROP INDEX IF EXISTS device_triggers_fire_at;
DROP TABLE IF EXISTS device_triggers;
DROP TABLE IF EXISTS identity_session;
DROP TABLE IF EXISTS flags;
DELETE FROM schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS notification_categories (
	category_id TEXT PRIMARY KEY,
	actions_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS notification_categories;
`,
	},
}

// ApplyMigrations brings the device database up to the latest schema. Versions
// already recorded in schema_migrations are skipped.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := inTx(ctx, db, m.Version, m.UpSQL, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackAll reverts every migration, newest first, leaving an empty database
// that ApplyMigrations can rebuild.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if err := inTx(ctx, db, m.Version, m.DownSQL, `DELETE FROM schema_migrations WHERE version = ?`); err != nil {
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		out[v] = true
	}
	return out, rows.Err()
}

// inTx runs the migration script and its bookkeeping statement atomically.
func inTx(ctx context.Context, db *sql.DB, version int, script, bookkeeping string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}
