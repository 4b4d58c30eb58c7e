package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("statedb: not found")

// StateDB wraps a SQLite database holding integration records,
// conversations, messages and agents.
// Thread-safe for concurrent use from multiple goroutines within one process.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
	now func() time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid(), now: time.Now}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// SetClock overrides the time source used for timestamps.
func (s *StateDB) SetClock(now func() time.Time) {
	s.now = now
}

// Migrate creates tables if they don't exist and runs any pending migrations.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct {
		name string
		sql  string
	}{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		// slot is '' for records written before multi-slot support
		{"integrations", `
			CREATE TABLE IF NOT EXISTS integrations (
				tenant     TEXT NOT NULL,
				platform   TEXT NOT NULL,
				slot       TEXT NOT NULL DEFAULT '',
				account_id TEXT NOT NULL DEFAULT '',
				active     INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (tenant, platform, slot)
			)`},
		{"conversations", `
			CREATE TABLE IF NOT EXISTS conversations (
				id               TEXT PRIMARY KEY,
				tenant           TEXT NOT NULL,
				platform         TEXT NOT NULL,
				external_user_id TEXT NOT NULL,
				slot_id          TEXT NOT NULL DEFAULT '',
				display_name     TEXT NOT NULL DEFAULT '',
				status           TEXT NOT NULL DEFAULT 'open',
				assignee_id      TEXT NOT NULL DEFAULT '',
				last_message_at  INTEGER NOT NULL DEFAULT 0,
				created_at       INTEGER NOT NULL
			)`},
		{"conversations index", `
			CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations (tenant, platform, external_user_id)`},
		{"messages", `
			CREATE TABLE IF NOT EXISTS messages (
				id              TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				direction       TEXT NOT NULL,
				body            TEXT NOT NULL DEFAULT '',
				media_path      TEXT NOT NULL DEFAULT '',
				media_type      TEXT NOT NULL DEFAULT '',
				external_id     TEXT NOT NULL DEFAULT '',
				created_at      INTEGER NOT NULL
			)`},
		{"messages index", `
			CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (conversation_id, created_at)`},
		{"agents", `
			CREATE TABLE IF NOT EXISTS agents (
				id     TEXT PRIMARY KEY,
				tenant TEXT NOT NULL,
				name   TEXT NOT NULL DEFAULT '',
				active INTEGER NOT NULL DEFAULT 1
			)`},
		{"heartbeats", `
			CREATE TABLE IF NOT EXISTS daemon_heartbeats (
				pid        INTEGER PRIMARY KEY,
				started    INTEGER NOT NULL,
				heartbeat  INTEGER NOT NULL,
				is_primary INTEGER NOT NULL DEFAULT 0
			)`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("statedb: create %s: %w", st.name, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Heartbeat ---

// RegisterDaemon records this process as a running daemon.
func (s *StateDB) RegisterDaemon() error {
	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, 0)
	`, s.pid, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE daemon_heartbeats SET heartbeat = ? WHERE pid = ?",
		s.now().Unix(), s.pid,
	)
	return err
}

// UnregisterDaemon removes this process from the heartbeat table.
func (s *StateDB) UnregisterDaemon() error {
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadDaemons removes heartbeat entries that haven't been updated within timeout.
func (s *StateDB) CleanDeadDaemons(timeout time.Duration) error {
	cutoff := s.now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// --- Primary Election ---

// ElectPrimary attempts to make this process the primary daemon, the only
// one allowed to own live platform sessions for this database.
// Returns true if this process is now (or already was) the primary.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := s.now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE daemon_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM daemon_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)

	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}

	if _, err := tx.Exec(
		"UPDATE daemon_heartbeats SET is_primary = 1 WHERE pid = ?",
		s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec(
		"UPDATE daemon_heartbeats SET is_primary = 0 WHERE pid = ?",
		s.pid,
	)
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
