// Package store is the SQLite-backed persistence adapter for users,
// sessions, rooms, questions, exam results, practice drills, and the
// activity log.
//
// A single connection is shared by all workers and serialized by the store
// mutex; multi-statement operations run as one transaction under that lock.
// All statements are parameterized.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the shared SQLite connection.
type Store struct {
	mu   sync.Mutex
	conn *sql.DB
}

// Open creates the store connection and runs all pending migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Ping verifies the connection is alive, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// now is the single timestamp format used across the schema.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

// --- Migrations ---

type migration struct {
	version int
	fn      func(tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, fn: migrate001},
	{version: 2, fn: migrate002},
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		if err := m.fn(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

func migrate001(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			is_locked INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE sessions (
			session_id TEXT PRIMARY KEY,
			username TEXT NOT NULL REFERENCES users(username),
			is_active INTEGER NOT NULL DEFAULT 1,
			last_activity TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE questions (
			question_id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			option_a TEXT NOT NULL,
			option_b TEXT NOT NULL,
			option_c TEXT NOT NULL,
			option_d TEXT NOT NULL,
			correct_answer TEXT NOT NULL CHECK (correct_answer IN ('A','B','C','D'))
		)`,

		`CREATE TABLE rooms (
			room_id TEXT PRIMARY KEY,
			room_name TEXT NOT NULL,
			creator TEXT NOT NULL REFERENCES users(username),
			status TEXT NOT NULL DEFAULT 'NOT_STARTED',
			num_questions INTEGER NOT NULL,
			time_limit_minutes INTEGER NOT NULL,
			max_participants INTEGER NOT NULL DEFAULT 50,
			start_time TEXT,
			finish_time TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE room_questions (
			room_id TEXT NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
			question_id INTEGER NOT NULL REFERENCES questions(question_id),
			question_order INTEGER NOT NULL,
			PRIMARY KEY (room_id, question_order)
		)`,

		`CREATE TABLE participants (
			room_id TEXT NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
			username TEXT NOT NULL REFERENCES users(username),
			joined_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (room_id, username)
		)`,

		`CREATE TABLE exam_results (
			room_id TEXT NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
			username TEXT NOT NULL,
			score INTEGER NOT NULL,
			total_questions INTEGER NOT NULL,
			answer_string TEXT NOT NULL,
			submit_time TEXT NOT NULL,
			time_taken_seconds INTEGER NOT NULL,
			PRIMARY KEY (room_id, username)
		)`,

		`CREATE TABLE activity_logs (
			log_id INTEGER PRIMARY KEY AUTOINCREMENT,
			level TEXT NOT NULL,
			username TEXT NOT NULL,
			action TEXT NOT NULL,
			details TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE INDEX idx_sessions_user ON sessions(username, is_active)`,
		`CREATE INDEX idx_sessions_activity ON sessions(is_active, last_activity)`,
		`CREATE INDEX idx_rooms_status ON rooms(status, created_at)`,
		`CREATE INDEX idx_results_room ON exam_results(room_id, score, submit_time)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func migrate002(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE practice_sessions (
			practice_id TEXT PRIMARY KEY,
			username TEXT NOT NULL REFERENCES users(username),
			question_ids TEXT NOT NULL,
			num_questions INTEGER NOT NULL,
			time_limit_minutes INTEGER NOT NULL,
			score INTEGER,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_practice_user ON practice_sessions(username, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
