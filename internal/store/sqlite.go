package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS project_collaborators (
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	participant_id TEXT NOT NULL,
	role TEXT NOT NULL CHECK (role IN ('read', 'write', 'admin')),
	added_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (project_id, participant_id)
);

CREATE TABLE IF NOT EXISTS change_records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	branch_name TEXT NOT NULL,
	file_path TEXT NOT NULL,
	new_path TEXT NOT NULL DEFAULT '',
	change_type TEXT NOT NULL CHECK (change_type IN ('modify', 'create', 'delete', 'rename')),
	proposed_content TEXT NOT NULL DEFAULT '',
	diff TEXT NOT NULL DEFAULT '',
	author_id TEXT NOT NULL,
	author_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
	pending_path TEXT NULL,
	reviewer_id TEXT NULL,
	reviewer_name TEXT NULL,
	reviewed_at DATETIME NULL,
	review_comment TEXT NULL,
	CHECK ((status = 'pending') = (reviewed_at IS NULL)),
	CHECK (pending_path IS NULL OR status = 'pending')
);

CREATE INDEX IF NOT EXISTS idx_change_records_branch
	ON change_records(project_id, branch_name, status, created_at DESC);

CREATE UNIQUE INDEX IF NOT EXISTS uq_change_records_pending_path
	ON change_records(project_id, branch_name, pending_path);

CREATE TRIGGER IF NOT EXISTS trg_change_records_block_update
BEFORE UPDATE ON change_records
WHEN OLD.status <> 'pending'
BEGIN
	SELECT RAISE(ABORT, 'change record is reviewed and cannot be modified');
END;
`

// OpenSQLite opens (creating if needed) an embedded database at path and
// applies the schema.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return db, nil
}
