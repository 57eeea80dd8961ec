package store

import (
	"context"
	"database/sql"
)

const migrationSQL = `
CREATE TABLE IF NOT EXISTS qualification_runs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'PENDING',
    total_prospects INTEGER NOT NULL DEFAULT 0,
    completed INTEGER NOT NULL DEFAULT 0,
    recovery_attempts INTEGER NOT NULL DEFAULT 0,
    last_recovery_at TEXT,
    failure_reason TEXT,
    user_id TEXT,
    icp_id TEXT,
    company_id TEXT,
    created_at TEXT NOT NULL,
    completed_at TEXT,
    updated_at TEXT NOT NULL,
    CHECK (completed >= 0 AND completed <= total_prospects)
);
CREATE INDEX IF NOT EXISTS idx_qualification_runs_status ON qualification_runs(status);
CREATE INDEX IF NOT EXISTS idx_qualification_runs_completed_at ON qualification_runs(completed_at);
`

// RunMigrations applies the database schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, migrationSQL)
	return err
}
