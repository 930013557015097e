package store

import (
	"database/sql"
	"fmt"
)

// CreateUser inserts a new user row.
func (s *Store) CreateUser(username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`INSERT INTO users (username, password_hash) VALUES (?, ?)`,
		username, passwordHash,
	)
	if err != nil {
		return fmt.Errorf("create user %q: %w", username, err)
	}
	return nil
}

// UsernameExists reports whether a user row exists.
func (s *Store) UsernameExists(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM users WHERE username = ?`, username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check username %q: %w", username, err)
	}
	return count > 0, nil
}

// VerifyLogin checks the stored digest against the presented one.
func (s *Store) VerifyLogin(username, passwordHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM users WHERE username = ? AND password_hash = ?`,
		username, passwordHash,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("verify login %q: %w", username, err)
	}
	return count > 0, nil
}

// IsLocked reports the user's lock flag. A missing user is not locked.
func (s *Store) IsLocked(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locked int
	err := s.conn.QueryRow(
		`SELECT is_locked FROM users WHERE username = ?`, username,
	).Scan(&locked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lock %q: %w", username, err)
	}
	return locked == 1, nil
}

// SetLocked flips the user's lock flag.
func (s *Store) SetLocked(username string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`UPDATE users SET is_locked = ? WHERE username = ?`,
		boolToInt(locked), username,
	)
	if err != nil {
		return fmt.Errorf("set lock %q: %w", username, err)
	}
	return nil
}
