package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// CreatePractice picks numQuestions random questions and records the drill
// under the given id. Returns the picked questions in drill order.
func (s *Store) CreatePractice(practiceID, username string, numQuestions, timeLimitMinutes int) ([]ExamQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		`SELECT question_id, content, option_a, option_b, option_c, option_d
		 FROM questions ORDER BY RANDOM() LIMIT ?`, numQuestions,
	)
	if err != nil {
		return nil, fmt.Errorf("pick practice questions: %w", err)
	}

	var questions []ExamQuestion
	var ids []string
	for rows.Next() {
		var q ExamQuestion
		var a, b, c, d string
		if err := rows.Scan(&q.QuestionID, &q.Content, &a, &b, &c, &d); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan practice question: %w", err)
		}
		q.Options = []string{"A. " + a, "B. " + b, "C. " + c, "D. " + d}
		questions = append(questions, q)
		ids = append(ids, strconv.FormatInt(q.QuestionID, 10))
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("pick practice questions: %w", err)
	}
	_ = rows.Close()

	if len(questions) < numQuestions {
		return nil, fmt.Errorf("question pool too small: have %d, need %d", len(questions), numQuestions)
	}

	if _, err := s.conn.Exec(
		`INSERT INTO practice_sessions (practice_id, username, question_ids, num_questions, time_limit_minutes)
		 VALUES (?, ?, ?, ?, ?)`,
		practiceID, username, strings.Join(ids, ","), numQuestions, timeLimitMinutes,
	); err != nil {
		return nil, fmt.Errorf("insert practice %q: %w", practiceID, err)
	}
	return questions, nil
}

// PracticeAnswers returns the answer key for a drill, in drill order. The
// boolean is false when the drill does not exist or belongs to another
// user.
func (s *Store) PracticeAnswers(practiceID, username string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idCSV string
	err := s.conn.QueryRow(
		`SELECT question_ids FROM practice_sessions WHERE practice_id = ? AND username = ?`,
		practiceID, username,
	).Scan(&idCSV)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get practice %q: %w", practiceID, err)
	}

	var sb strings.Builder
	for _, id := range strings.Split(idCSV, ",") {
		var letter string
		err := s.conn.QueryRow(
			`SELECT correct_answer FROM questions WHERE question_id = ?`, id,
		).Scan(&letter)
		if err != nil {
			return "", false, fmt.Errorf("practice answer for question %s: %w", id, err)
		}
		sb.WriteString(letter)
	}
	return sb.String(), true, nil
}

// RecordPracticeScore stores the drill's graded score.
func (s *Store) RecordPracticeScore(practiceID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`UPDATE practice_sessions SET score = ? WHERE practice_id = ?`,
		score, practiceID,
	)
	if err != nil {
		return fmt.Errorf("record practice score %q: %w", practiceID, err)
	}
	return nil
}
