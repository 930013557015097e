package store

import "fmt"

// seedQuestion is one row of the built-in starter pool.
type seedQuestion struct {
	content    string
	a, b, c, d string
	correct    string
}

// SeedQuestions populates the question pool with a built-in arithmetic set
// when the table is empty. Idempotent across restarts.
func (s *Store) SeedQuestions() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}

	inserted := 0
	for _, q := range builtinQuestions() {
		if _, err := tx.Exec(
			`INSERT INTO questions (content, option_a, option_b, option_c, option_d, correct_answer)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			q.content, q.a, q.b, q.c, q.d, q.correct,
		); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("seed question %q: %w", q.content, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}
	return inserted, nil
}

// builtinQuestions generates a deterministic arithmetic pool large enough
// for the maximum room size.
func builtinQuestions() []seedQuestion {
	letters := []string{"A", "B", "C", "D"}
	var pool []seedQuestion
	for i := 1; i <= 60; i++ {
		x, y := i, i+3
		sum := x + y
		// The correct option rotates through A..D so the key is not
		// guessable from position.
		slot := (i - 1) % 4
		opts := [4]int{}
		for j := range opts {
			opts[j] = sum + (j - slot)
		}
		pool = append(pool, seedQuestion{
			content: fmt.Sprintf("What is %d + %d?", x, y),
			a:       fmt.Sprintf("%d", opts[0]),
			b:       fmt.Sprintf("%d", opts[1]),
			c:       fmt.Sprintf("%d", opts[2]),
			d:       fmt.Sprintf("%d", opts[3]),
			correct: letters[slot],
		})
	}
	return pool
}
