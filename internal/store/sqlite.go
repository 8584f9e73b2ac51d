// Package store implements the durable store over SQLite: queue, job, and
// scheduled-job records with the conditional updates the state machine
// depends on.
package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS queues (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  is_paused INTEGER NOT NULL DEFAULT 0,
  concurrency INTEGER NOT NULL DEFAULT 1,
  max_retries INTEGER NOT NULL DEFAULT 3,
  retry_delay_ms INTEGER NOT NULL DEFAULT 5000,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  queue_id TEXT NOT NULL,
  name TEXT NOT NULL,
  data BLOB,
  status TEXT NOT NULL CHECK(status IN ('pending','active','completed','failed','delayed','cancelled')) DEFAULT 'pending',
  priority INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 4,
  progress INTEGER NOT NULL DEFAULT 0,
  result BLOB,
  error TEXT NOT NULL DEFAULT '',
  stack_trace TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  processed_at DATETIME,
  completed_at DATETIME,
  failed_at DATETIME,
  delay_until DATETIME,
  FOREIGN KEY(queue_id) REFERENCES queues(id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs(queue_id, status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_delay ON jobs(status, delay_until);
CREATE TABLE IF NOT EXISTS scheduled_jobs (
  id TEXT PRIMARY KEY,
  queue_id TEXT NOT NULL,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  cron_expr TEXT NOT NULL,
  timezone TEXT NOT NULL DEFAULT '',
  data BLOB,
  is_enabled INTEGER NOT NULL DEFAULT 1,
  last_run_at DATETIME,
  next_run_at DATETIME NOT NULL,
  last_run_status TEXT NOT NULL DEFAULT '',
  last_run_error TEXT NOT NULL DEFAULT '',
  run_count INTEGER NOT NULL DEFAULT 0,
  fail_count INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  FOREIGN KEY(queue_id) REFERENCES queues(id)
);
CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_jobs(is_enabled, next_run_at);
`
	_, err := db.Exec(schema)
	return err
}

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

// Open opens (or creates) the SQLite database at path and bootstraps the
// schema. SQLite has a single writer, so the pool is capped at one
// connection.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_time_format=sqlite&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

func (s *Store) Close() error { return s.db.Close() }

func newQueueID() string    { return "que_" + uuid.NewString() }
func newJobID() string      { return "job_" + uuid.NewString() }
func newScheduleID() string { return "sch_" + uuid.NewString() }
