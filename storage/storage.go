package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store provides SQLite-backed persistence for runs, candidates, action
// tasks, audit logs, interacted ids, rate counters, comment templates and
// settings.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER
);

CREATE TABLE IF NOT EXISTS candidates (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	candidate_key TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL,
	video_id TEXT,
	author_name TEXT,
	title TEXT,
	raw_text TEXT,
	duration_seconds REAL,
	created_at INTEGER NOT NULL,
	UNIQUE(run_id, url)
);

CREATE TABLE IF NOT EXISTS action_tasks (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	status TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	evidence_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_tasks_queue ON action_tasks(account_id, status, created_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	candidate_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	outcome TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	detail_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_ts ON audit_logs(ts);
CREATE INDEX IF NOT EXISTS idx_audit_logs_candidate ON audit_logs(candidate_id);

CREATE TABLE IF NOT EXISTS interacted (
	account_id TEXT NOT NULL,
	candidate_id TEXT NOT NULL,
	interacted_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, candidate_id)
);

CREATE TABLE IF NOT EXISTS comment_templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	body TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_counters (
	account_id TEXT NOT NULL,
	action TEXT NOT NULL,
	minute_start INTEGER NOT NULL,
	minute_count INTEGER NOT NULL,
	day_start INTEGER NOT NULL,
	day_count INTEGER NOT NULL,
	cooldown_until INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, action)
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT
);
`

// New opens the SQLite database at dbPath, creates tables if they don't exist, and returns a Store.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	// Pragmas below are per connection; a single connection keeps them in
	// effect and serializes writers from the API and the engine.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set pragmas: %w", err)
	}

	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create tables: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetSetting returns the value for the given settings key.
// Returns an empty string if the key is not found.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: get setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting inserts or replaces a setting key-value pair.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("storage: set setting %q: %w", key, err)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
