// Package journal keeps a sqlite record of terminal runs. The live run
// map forgets a run 30 minutes after it ends; the journal is what remains
// for diagnosis. It is written on the terminal transition and never read
// on the hot path.
package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/migrate"

	"browserpilot/internal/define"
	"browserpilot/internal/journal/migrations"
	"browserpilot/internal/taskrunner"
)

// Entry is one recorded terminal run.
type Entry struct {
	bun.BaseModel `bun:"table:run_history"`

	ID         string    `bun:"id,pk" json:"id"`
	TemplateID string    `bun:"template_id" json:"templateId"`
	SessionID  string    `bun:"session_id" json:"sessionId"`
	Status     string    `bun:"status" json:"status"`
	ElapsedMs  int64     `bun:"elapsed_ms" json:"elapsedMs"`
	ErrorCode  string    `bun:"error_code" json:"errorCode,omitempty"`
	ErrorMsg   string    `bun:"error_msg" json:"errorMsg,omitempty"`
	CreatedAt  time.Time `bun:"created_at" json:"createdAt"`
	FinishedAt time.Time `bun:"finished_at" json:"finishedAt"`
}

// Journal owns the sqlite handle. A nil *Journal is a valid no-op
// recorder so the platform runs fine without persistence.
type Journal struct {
	log *slog.Logger
	db  *bun.DB
}

const busyTimeoutMs = 5000

// Open creates (or opens) the journal database file inside dataDir and
// migrates it.
func Open(log *slog.Logger, dataDir string) (*Journal, error) {
	path := filepath.Join(dataDir, define.DefaultSQLiteFileName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer connection keeps sqlite happy under concurrency.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	if _, err := sqldb.ExecContext(ctx, `PRAGMA busy_timeout = `+strconv.Itoa(busyTimeoutMs)+`;`); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	if _, err := sqldb.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		_ = sqldb.Close()
		return nil, err
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	group, err := migrator.Migrate(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	j := &Journal{log: log.With("component", "journal"), db: db}
	if group != nil && !group.IsZero() {
		j.log.Info("journal migrated", "path", path, "group", group.String())
	}
	return j, nil
}

// RecordTerminalRun implements taskrunner.TerminalRecorder. Write failures
// are logged and swallowed; history never blocks a run.
func (j *Journal) RecordTerminalRun(run *taskrunner.Run) {
	if j == nil || j.db == nil {
		return
	}
	entry := &Entry{
		ID:         run.ID,
		TemplateID: run.TemplateID,
		SessionID:  run.SessionID,
		Status:     string(run.Status),
		ElapsedMs:  run.ElapsedMs,
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.Error != nil {
		entry.ErrorCode = string(run.Error.Code)
		entry.ErrorMsg = run.Error.Message
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := j.db.NewInsert().Model(entry).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		j.log.Warn("journal write failed", "run", run.ID, "error", err)
	}
}

// Recent returns the latest n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if n <= 0 {
		n = 50
	}
	var out []Entry
	err := j.db.NewSelect().Model(&out).Order("finished_at DESC").Limit(n).Scan(ctx)
	return out, err
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
