// Package migrations holds the journal schema migrations.
package migrations

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrations is the registry the journal migrator runs.
var Migrations = migrate.NewMigrations()

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
				return err
			}
			if _, err := db.ExecContext(ctx, `PRAGMA synchronous = NORMAL;`); err != nil {
				return err
			}
			_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS run_history (
    id          TEXT PRIMARY KEY,
    template_id TEXT NOT NULL DEFAULT '',
    session_id  TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    elapsed_ms  INTEGER NOT NULL DEFAULT 0,
    error_code  TEXT NOT NULL DEFAULT '',
    error_msg   TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_history_finished ON run_history (finished_at);
`)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS run_history;`)
			return err
		},
	)
}
