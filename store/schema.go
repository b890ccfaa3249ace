package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// migrationIDs is the full historical chain. The final schema below is the
// squashed result of applying all of them; adopt marks rather than replays.
var migrationIDs = []string{
	"v01_core_tables",
	"v02_metrics_cache",
	"v03_scheduled_jobs",
	"v04_fs_index",
	"v05_vfs_nodes",
	"v06_system_settings",
}

const legacyVersionKey = "schema_version"

// ErrAdoptRefused reports a database that has business rows but no migration
// bookkeeping and no legacy version marker; adopting it blind could replay
// DDL over live data, so the operator must set the marker explicitly.
var ErrAdoptRefused = errors.New(
	"schema adopt refused: database has data but no schema_migrations and no system_settings." +
		legacyVersionKey + " marker; set the marker to the schema version this database was created at")

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	id         TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS system_settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS storage_configs (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL UNIQUE,
	storage_type        TEXT NOT NULL,
	config_json         TEXT NOT NULL DEFAULT '{}',
	secret_cipher       BLOB,
	total_storage_bytes INTEGER,
	enable_disk_usage   INTEGER NOT NULL DEFAULT 0,
	is_default          INTEGER NOT NULL DEFAULT 0,
	is_public           INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	last_used           INTEGER
);

CREATE TABLE IF NOT EXISTS mounts (
	id                TEXT PRIMARY KEY,
	storage_config_id TEXT NOT NULL REFERENCES storage_configs(id),
	mount_path        TEXT NOT NULL UNIQUE,
	default_subfolder TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS metrics_cache (
	scope_type      TEXT NOT NULL,
	scope_id        TEXT NOT NULL,
	metric_key      TEXT NOT NULL,
	value_num       INTEGER,
	value_text      TEXT,
	value_json_text TEXT,
	snapshot_at_ms  INTEGER,
	updated_at_ms   INTEGER NOT NULL,
	error_message   TEXT,
	PRIMARY KEY (scope_type, scope_id, metric_key)
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	task_id              TEXT PRIMARY KEY,
	handler_name         TEXT NOT NULL,
	cron_expr            TEXT,
	interval_seconds     INTEGER,
	enabled              INTEGER NOT NULL DEFAULT 1,
	last_run_started_at  INTEGER,
	last_run_finished_at INTEGER,
	next_run_after       INTEGER,
	lock_until           INTEGER,
	run_count            INTEGER NOT NULL DEFAULT 0,
	payload_json         TEXT,
	meta_json            TEXT
);

CREATE TABLE IF NOT EXISTS scheduled_job_runs (
	task_id     TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	status      TEXT NOT NULL,
	stats_json  TEXT,
	error       TEXT,
	PRIMARY KEY (task_id, run_id)
);

CREATE TABLE IF NOT EXISTS fs_dirty_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	mount_id    TEXT NOT NULL,
	path        TEXT NOT NULL,
	op          TEXT NOT NULL CHECK (op IN ('upsert','delete')),
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fs_dirty_queue_mount ON fs_dirty_queue(mount_id, seq);

CREATE TABLE IF NOT EXISTS fs_search_index_entries (
	mount_id TEXT NOT NULL,
	path     TEXT NOT NULL,
	is_dir   INTEGER NOT NULL DEFAULT 0,
	size     INTEGER,
	state    TEXT NOT NULL DEFAULT 'ready',
	PRIMARY KEY (mount_id, path)
);

CREATE TABLE IF NOT EXISTS vfs_nodes (
	scope_type TEXT NOT NULL,
	scope_id   TEXT NOT NULL,
	node_type  TEXT NOT NULL CHECK (node_type IN ('file','dir')),
	path       TEXT NOT NULL,
	size       INTEGER,
	status     TEXT NOT NULL DEFAULT 'active',
	PRIMARY KEY (scope_type, scope_id, path)
);
`

// requiredTables is the presence check for the adopt decision matrix.
var requiredTables = []string{
	"storage_configs", "mounts", "metrics_cache",
	"scheduled_jobs", "scheduled_job_runs",
}

// adoptSchema applies the adopt-once decision matrix:
//
//	tables absent                        -> create final schema, mark all
//	tables present, no business rows     -> mark all
//	tables present, rows, legacy version -> mark v01..min(legacy, current)
//	tables present, rows, no marker      -> refuse
func (s *Store) adoptSchema(ctx context.Context) error {
	migrated, err := s.tableExists(ctx, "schema_migrations")
	if err != nil {
		return err
	}
	if migrated {
		var n int
		if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM schema_migrations`); err != nil {
			return err
		}
		if n > 0 {
			// Already adopted; idempotent DDL brings any new tables in.
			_, err := s.db.ExecContext(ctx, schemaDDL)
			return err
		}
	}

	hasTables := true
	for _, table := range requiredTables {
		ok, err := s.tableExists(ctx, table)
		if err != nil {
			return err
		}
		if !ok {
			hasTables = false
			break
		}
	}

	if !hasTables {
		if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
		return s.markMigrations(ctx, len(migrationIDs))
	}

	hasRows, err := s.hasBusinessRows(ctx)
	if err != nil {
		return err
	}
	if !hasRows {
		if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
			return err
		}
		return s.markMigrations(ctx, len(migrationIDs))
	}

	legacy, ok, err := s.legacySchemaVersion(ctx)
	if err != nil {
		return err
	}
	if !ok || legacy <= 0 {
		return ErrAdoptRefused
	}

	upTo := legacy
	if upTo > len(migrationIDs) {
		upTo = len(migrationIDs)
	}
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return err
	}
	if err := s.markMigrations(ctx, upTo); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM system_settings WHERE key = ?`, legacyVersionKey)
	return err
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	return n > 0, err
}

func (s *Store) hasBusinessRows(ctx context.Context) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT (SELECT COUNT(*) FROM storage_configs) + (SELECT COUNT(*) FROM mounts)`)
	return n > 0, err
}

// legacySchemaVersion reads system_settings.schema_version, the marker older
// deployments maintained before schema_migrations existed.
func (s *Store) legacySchemaVersion(ctx context.Context) (int, bool, error) {
	ok, err := s.tableExists(ctx, "system_settings")
	if err != nil || !ok {
		return 0, false, err
	}

	var raw string
	err = s.db.GetContext(ctx, &raw,
		`SELECT value FROM system_settings WHERE key = ?`, legacyVersionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false, fmt.Errorf("unparsable system_settings.%s %q", legacyVersionKey, raw)
	}
	return v, true, nil
}

func (s *Store) markMigrations(ctx context.Context, upTo int) error {
	now := nowMs()
	for _, id := range migrationIDs[:upTo] {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (id, applied_at) VALUES (?, ?)`, id, now); err != nil {
			return err
		}
	}
	return nil
}

// AppliedMigrations lists the marked migration ids in order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT id FROM schema_migrations ORDER BY id`)
	return ids, err
}
