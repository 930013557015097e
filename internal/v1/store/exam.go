package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// ExamQuestion is one question as presented to an examinee. The correct
// answer never leaves the store through this projection.
type ExamQuestion struct {
	QuestionID int64    `json:"question_id"`
	Content    string   `json:"content"`
	Options    []string `json:"options"`
}

// LeaderboardEntry is one row of the VIEW_RESULT projection.
type LeaderboardEntry struct {
	Rank       int    `json:"rank"`
	Username   string `json:"username"`
	Score      int    `json:"score"`
	Total      int    `json:"total"`
	SubmitTime string `json:"submit_time"`
	TimeTaken  int    `json:"time_taken"`
}

// ExamQuestions returns the room's questions in bound order, with options
// prefixed by their letter and without the correct answer.
func (s *Store) ExamQuestions(roomID string) ([]ExamQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		`SELECT q.question_id, q.content, q.option_a, q.option_b, q.option_c, q.option_d
		 FROM room_questions rq JOIN questions q ON rq.question_id = q.question_id
		 WHERE rq.room_id = ? ORDER BY rq.question_order`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("exam questions %q: %w", roomID, err)
	}
	defer rows.Close() //nolint:errcheck

	var questions []ExamQuestion
	for rows.Next() {
		var q ExamQuestion
		var a, b, c, d string
		if err := rows.Scan(&q.QuestionID, &q.Content, &a, &b, &c, &d); err != nil {
			return nil, fmt.Errorf("scan exam question: %w", err)
		}
		q.Options = []string{"A. " + a, "B. " + b, "C. " + c, "D. " + d}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// CorrectAnswers returns the room's answer key as a string of letters in
// bound order, e.g. "BACDA".
func (s *Store) CorrectAnswers(roomID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		`SELECT q.correct_answer
		 FROM room_questions rq JOIN questions q ON rq.question_id = q.question_id
		 WHERE rq.room_id = ? ORDER BY rq.question_order`, roomID,
	)
	if err != nil {
		return "", fmt.Errorf("correct answers %q: %w", roomID, err)
	}
	defer rows.Close() //nolint:errcheck

	var sb strings.Builder
	for rows.Next() {
		var letter string
		if err := rows.Scan(&letter); err != nil {
			return "", fmt.Errorf("scan correct answer: %w", err)
		}
		sb.WriteString(letter)
	}
	return sb.String(), rows.Err()
}

// SubmitResult records one graded submission. A second submission for the
// same (room, user) violates the primary key and errors.
func (s *Store) SubmitResult(roomID, username string, score, total int, answerString string, timeTakenSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`INSERT INTO exam_results (room_id, username, score, total_questions, answer_string, submit_time, time_taken_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		roomID, username, score, total, answerString, now(), timeTakenSeconds,
	)
	if err != nil {
		return fmt.Errorf("submit result %q/%q: %w", roomID, username, err)
	}
	return nil
}

// AlreadySubmitted reports whether the user has a result row in the room.
func (s *Store) AlreadySubmitted(roomID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM exam_results WHERE room_id = ? AND username = ?`,
		roomID, username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check submitted %q/%q: %w", roomID, username, err)
	}
	return count > 0, nil
}

// ResultFor returns the user's graded score and total for a room. The
// boolean is false when no result row exists.
func (s *Store) ResultFor(roomID, username string) (score, total int, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.conn.QueryRow(
		`SELECT score, total_questions FROM exam_results WHERE room_id = ? AND username = ?`,
		roomID, username,
	).Scan(&score, &total)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("get result %q/%q: %w", roomID, username, err)
	}
	return score, total, true, nil
}

// AllSubmitted reports whether every participant of the room has a result
// row.
func (s *Store) AllSubmitted(roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM participants p
		 WHERE p.room_id = ?
		 AND NOT EXISTS (SELECT 1 FROM exam_results e WHERE e.room_id = p.room_id AND e.username = p.username)`,
		roomID,
	).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("check all submitted %q: %w", roomID, err)
	}
	return pending == 0, nil
}

// Unsubmitted returns the participants of a room with no result row yet.
func (s *Store) Unsubmitted(roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		`SELECT p.username FROM participants p
		 WHERE p.room_id = ?
		 AND NOT EXISTS (SELECT 1 FROM exam_results e WHERE e.room_id = p.room_id AND e.username = p.username)`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list unsubmitted %q: %w", roomID, err)
	}
	defer rows.Close() //nolint:errcheck

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan unsubmitted: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Leaderboard returns the room's results ordered by score descending then
// submit time ascending, with dense ranks starting at 1 (ties share a rank,
// the next distinct score takes the next integer).
func (s *Store) Leaderboard(roomID string) ([]LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		`SELECT username, score, total_questions, submit_time, time_taken_seconds
		 FROM exam_results WHERE room_id = ?
		 ORDER BY score DESC, submit_time ASC`, roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("leaderboard %q: %w", roomID, err)
	}
	defer rows.Close() //nolint:errcheck

	entries := []LeaderboardEntry{}
	rank, lastScore := 0, -1
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.Username, &e.Score, &e.Total, &e.SubmitTime, &e.TimeTaken); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		if e.Score != lastScore {
			rank++
			lastScore = e.Score
		}
		e.Rank = rank
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
