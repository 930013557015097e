package store

import (
	"fmt"
	"time"
)

// CreateSession deactivates any prior active sessions of the user and inserts
// the new active row, atomically.
func (s *Store) CreateSession(sessionID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET is_active = 0 WHERE username = ? AND is_active = 1`, username,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("deactivate sessions for %q: %w", username, err)
	}

	// OR REPLACE: a token minted in the same second as a retired one reuses
	// its row instead of tripping the primary key.
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO sessions (session_id, username, is_active, last_activity) VALUES (?, ?, 1, ?)`,
		sessionID, username, now(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert session for %q: %w", username, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// DestroySession deactivates one session by token.
func (s *Store) DestroySession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`UPDATE sessions SET is_active = 0 WHERE session_id = ?`, sessionID,
	)
	if err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// IsUserLoggedIn reports whether the user has an active session row.
func (s *Store) IsUserLoggedIn(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE username = ? AND is_active = 1`, username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check logged in %q: %w", username, err)
	}
	return count > 0, nil
}

// ActiveSessionCount returns the number of active sessions for a user.
func (s *Store) ActiveSessionCount(username string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE username = ? AND is_active = 1`, username,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sessions %q: %w", username, err)
	}
	return count, nil
}

// SessionActive reports whether the session row is still active. A session
// the sweeper idled out comes back false even though the connection that
// minted it is still open.
func (s *Store) SessionActive(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE session_id = ? AND is_active = 1`, sessionID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check session %q: %w", sessionID, err)
	}
	return count > 0, nil
}

// TouchSession refreshes a session's activity timestamp.
func (s *Store) TouchSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`UPDATE sessions SET last_activity = ? WHERE session_id = ? AND is_active = 1`,
		now(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeactivateIdleSessions expires active sessions idle for longer than maxIdle
// and returns how many were expired.
func (s *Store) DeactivateIdleSessions(maxIdle time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxIdle).Format(time.RFC3339)
	res, err := s.conn.Exec(
		`UPDATE sessions SET is_active = 0 WHERE is_active = 1 AND last_activity < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate idle sessions: %w", err)
	}
	return res.RowsAffected()
}
