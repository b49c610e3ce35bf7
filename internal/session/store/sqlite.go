package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a Store backed by a local SQLite database. Suitable for
// single-node deployments; SQLite allows only one writer so the pool is
// capped at a single connection.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (and if needed bootstraps) a SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{sqlStore{db: db}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
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
		pid INTEGER DEFAULT 0,
		started_at DATETIME,
		heartbeat_at DATETIME,
		last_active_at DATETIME,
		ended_at DATETIME,
		log_file_path TEXT DEFAULT '',
		event_seq INTEGER NOT NULL DEFAULT 0,
		idle_timeout_sec INTEGER DEFAULT 0,
		plan_file_path TEXT DEFAULT '',
		recovery_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT DEFAULT '',
		agent_id TEXT NOT NULL,
		worker_id TEXT DEFAULT '',
		pid INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		error TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id, status);
	CREATE INDEX IF NOT EXISTS idx_executions_worker ON executions(worker_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}
