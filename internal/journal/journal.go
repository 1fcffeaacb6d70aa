// Package journal appends one row per task execution to Postgres. Rows are
// for operators correlating task ids with outcomes; nothing reads them back
// to decide whether a task should run.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Entry is one finished execution.
type Entry struct {
	TaskID    string
	TaskName  string
	Kind      string // cron, async, local
	Status    string // ok, error
	Duration  time.Duration
	Error     string
	StartedAt time.Time
}

// Recorder is implemented by Store and by test fakes.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store writes entries with pgx. Pass a *pgxpool.Pool.
type Store struct {
	db execer
}

func NewStore(db execer) *Store {
	return &Store{db: db}
}

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS taskhook;
CREATE TABLE IF NOT EXISTS taskhook.task_runs (
	id          BIGSERIAL PRIMARY KEY,
	task_id     TEXT NOT NULL,
	task_name   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS task_runs_task_id_idx ON taskhook.task_runs (task_id);`

// EnsureSchema creates the journal table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("journal schema: %w", err)
	}
	return nil
}

// Record inserts e.
func (s *Store) Record(ctx context.Context, e Entry) error {
	var errText *string
	if e.Error != "" {
		errText = &e.Error
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO taskhook.task_runs(task_id, task_name, kind, status, duration_ms, error, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.TaskID, e.TaskName, e.Kind, e.Status, e.Duration.Milliseconds(), errText, e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}
