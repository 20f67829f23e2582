package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the ledger schema in-place.
//
// The CHECK constraints below are part of the external contract: readers
// of published snapshots may treat them as guarantees. Validation happens
// at write time; malformed rows are rejected by the engine, never stored
// and caught later.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 1)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id INTEGER NOT NULL
				CHECK (job_id >= 200001010000 AND job_id <= 300012319999),
			username TEXT NOT NULL CHECK (length(username) > 0),
			job_name TEXT NOT NULL,
			command TEXT NOT NULL
				CHECK (command IN ('validate', 'import', 'update', 'test')),
			command_args TEXT NOT NULL DEFAULT '',
			configfile TEXT NOT NULL,
			logfile TEXT NOT NULL DEFAULT '',
			import_prefix TEXT NOT NULL,
			import_bucket TEXT NOT NULL,
			export_prefix TEXT,
			export_bucket TEXT,
			input_dir_local TEXT NOT NULL DEFAULT '',
			output_dir_local TEXT NOT NULL DEFAULT '',
			job_pid INTEGER NOT NULL DEFAULT 0,
			payload_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unknown'
				CHECK (status IN ('initialized', 'started', 'running',
				                  'complete', 'error', 'killed', 'unknown')),
			created_at TEXT NOT NULL,
			PRIMARY KEY (job_id, username)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_pid ON jobs(job_pid);`,

		`CREATE TABLE IF NOT EXISTS files (
			job_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			filename TEXT NOT NULL CHECK (length(filename) > 0),
			import_or_export INTEGER NOT NULL
				CHECK (import_or_export IN (0, 1, 2)),
			size_bytes INTEGER NOT NULL DEFAULT 0 CHECK (size_bytes >= 0),
			md5 TEXT CHECK (md5 IS NULL OR (length(md5) = 32 AND md5 NOT GLOB '*[^0-9a-f]*')),
			status TEXT NOT NULL DEFAULT 'unprocessed'
				CHECK (status IN ('unprocessed', 'downloaded', 'processing',
				                  'processed', 'uploaded', 'error', 'timeout',
				                  'quarantined', 'unknown')),
			updated_at TEXT NOT NULL,
			PRIMARY KEY (job_id, username, filename),
			FOREIGN KEY (job_id, username)
				REFERENCES jobs(job_id, username) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_files_status ON files(job_id, username, status);`,

		`CREATE TABLE IF NOT EXISTS notifications (
			notification_id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			subject TEXT NOT NULL,
			response TEXT NOT NULL,
			sent_at TEXT NOT NULL,
			FOREIGN KEY (job_id, username)
				REFERENCES jobs(job_id, username) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_job ON notifications(job_id, username);`,

		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscription_id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			user_email TEXT NOT NULL CHECK (user_email LIKE '%@%'),
			topic_arn TEXT NOT NULL CHECK (length(topic_arn) >= 20),
			username_filter TEXT,
			subscription_arn TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_username ON subscriptions(username);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_email ON subscriptions(user_email);`,

		// Single-row version counter: the pinned id makes a second row
		// structurally impossible.
		`CREATE TABLE IF NOT EXISTS vnumber (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			vnum INTEGER NOT NULL DEFAULT 0
		);`,
		`INSERT INTO vnumber (id, vnum)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
