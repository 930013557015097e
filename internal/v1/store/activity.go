package store

import "fmt"

// LogActivity appends one row to the activity audit trail. Failures are
// returned for the caller to log; they never abort the command that
// produced them.
func (s *Store) LogActivity(level, username, action, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`INSERT INTO activity_logs (level, username, action, details) VALUES (?, ?, ?, ?)`,
		level, username, action, details,
	)
	if err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}
