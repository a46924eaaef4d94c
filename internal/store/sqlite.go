// Package store provides SQLite-backed persistence for repair jobs, their
// transition and annotation logs, problem templates, checklist results and
// notifications.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema. Timestamps are unix nanoseconds.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id               TEXT PRIMARY KEY,
	current_state        TEXT NOT NULL DEFAULT 'assigned',
	state_entered_at     INTEGER NOT NULL DEFAULT 0,
	assignee             TEXT NOT NULL DEFAULT '',
	version              INTEGER NOT NULL DEFAULT 1,
	last_checklist_json  TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transitions (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	from_state  TEXT NOT NULL DEFAULT '',
	to_state    TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	actor_name  TEXT NOT NULL DEFAULT '',
	note        TEXT NOT NULL DEFAULT '',
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_job ON transitions(job_id, occurred_at);

CREATE TABLE IF NOT EXISTS annotations (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	text        TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	actor_name  TEXT NOT NULL DEFAULT '',
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_annotations_job ON annotations(job_id, occurred_at);

CREATE TABLE IF NOT EXISTS problem_templates (
	template_id TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	items_json  TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS checklist_results (
	job_id         TEXT NOT NULL,
	template_id    TEXT NOT NULL,
	overall_status TEXT NOT NULL DEFAULT 'pending',
	can_proceed    INTEGER NOT NULL DEFAULT 0,
	snapshot_json  TEXT NOT NULL DEFAULT '{}',
	completed_at   INTEGER NOT NULL DEFAULT 0,
	saved_at       INTEGER NOT NULL,
	PRIMARY KEY (job_id, template_id)
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL,
	state      TEXT NOT NULL,
	severity   TEXT NOT NULL DEFAULT 'info',
	title      TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_job ON notifications(job_id, created_at);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
