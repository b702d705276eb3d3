package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is bumped whenever Migrate gains a new migration step.
const SchemaVersion = 1

// Migrate creates (or upgrades) the schema in-place, table names prefixed
// with prefix (spec.md §6: "every table/key name is prefixed"). Safe to call
// on every Open; every statement is idempotent. Records the applied version
// in the migrations table (ValidateSchema checks only that the table exists,
// not the version recorded in it).
func Migrate(ctx context.Context, db *sql.DB, prefix string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaStatements(prefix) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	t := func(name string) string { return prefix + name }
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (version) VALUES (?) ON CONFLICT(version) DO NOTHING;`, t("jobrunr_migrations")), SchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// ValidateSchema checks that every table this backend expects already
// exists, without issuing any DDL (spec.md §6's database-options VALIDATE
// mode). It does not check column-level shape, only table presence.
func ValidateSchema(ctx context.Context, db *sql.DB, prefix string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t := func(name string) string { return prefix + name }

	for _, table := range []string{
		t("jobs"), t("recurring_jobs"), t("servers"), t("metadata"),
		t("counters"), t("jobrunr_migrations"),
	} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("table %s does not exist", table)
		}
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
	}
	return nil
}

func schemaStatements(prefix string) []string {
	t := func(name string) string { return prefix + name }

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY
		);`, t("jobrunr_migrations")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			class_name TEXT NOT NULL,
			method_name TEXT NOT NULL,
			args_hash TEXT,
			job_name TEXT,
			labels_json TEXT,
			signature TEXT NOT NULL,
			state TEXT NOT NULL,
			scheduled_at TEXT,
			recurring_job_id TEXT,
			history_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`, t("jobs")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(state, updated_at);`, t("idx_jobs_state_updated"), t("jobs")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(state, scheduled_at);`, t("idx_jobs_scheduled"), t("jobs")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(signature, state);`, t("idx_jobs_signature_state"), t("jobs")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(recurring_job_id, state);`, t("idx_jobs_recurring_state"), t("jobs")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			schedule TEXT NOT NULL,
			class_name TEXT NOT NULL,
			method_name TEXT NOT NULL,
			args_hash TEXT,
			job_name TEXT,
			labels_json TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL
		);`, t("recurring_jobs")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			worker_pool_size INTEGER NOT NULL,
			poll_interval_ns INTEGER NOT NULL,
			is_running INTEGER NOT NULL,
			cpu_percent REAL,
			memory_used_mb REAL,
			first_heartbeat TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL
		);`, t("servers")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(last_heartbeat);`, t("idx_servers_last_heartbeat"), t("servers")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT NOT NULL,
			owner TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(name, owner)
		);`, t("metadata")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			all_time_succeeded INTEGER NOT NULL
		);`, t("counters")),
		fmt.Sprintf(`INSERT INTO %s (id, all_time_succeeded) VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`, t("counters")),

		// jobrunr_jobs_stats exists for operators who want to query per-state
		// counts directly with SQL; GetJobStats itself does not read from it.
		fmt.Sprintf(`DROP VIEW IF EXISTS %s;`, t("jobrunr_jobs_stats")),
		fmt.Sprintf(`CREATE VIEW %s AS
			SELECT state, COUNT(*) AS job_count
			FROM %s
			GROUP BY state;`, t("jobrunr_jobs_stats"), t("jobs")),
	}
}
