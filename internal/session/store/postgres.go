package store

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// PostgresStore is a Store backed by PostgreSQL via the pgx stdlib driver.
// Used when multiple workers share one database.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore opens (and if needed bootstraps) a Postgres-backed store.
func NewPostgresStore(dsn string, maxConns int) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	s := &PostgresStore{sqlStore{db: db}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		capability_id TEXT DEFAULT '',
		project_id TEXT DEFAULT '',
		task_id TEXT DEFAULT '',
		session_ref TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		permission_mode TEXT DEFAULT 'default',
		model TEXT DEFAULT '',
		allowed_tools TEXT DEFAULT '[]',
		initial_prompt TEXT DEFAULT '',
		title TEXT DEFAULT '',
		worker_id TEXT DEFAULT '',
		pid BIGINT DEFAULT 0,
		started_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ,
		last_active_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		log_file_path TEXT DEFAULT '',
		event_seq BIGINT NOT NULL DEFAULT 0,
		idle_timeout_sec INTEGER DEFAULT 0,
		plan_file_path TEXT DEFAULT '',
		recovery_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT DEFAULT '',
		agent_id TEXT NOT NULL,
		worker_id TEXT DEFAULT '',
		pid BIGINT DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		error TEXT DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id, status);
	CREATE INDEX IF NOT EXISTS idx_executions_worker ON executions(worker_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}
