package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/openexam/server/internal/v1/types"
)

// RoomInfo is one row of the LIST_ROOMS projection. Field names match the
// wire JSON shape.
type RoomInfo struct {
	RoomID           string `json:"room_id"`
	RoomName         string `json:"room_name"`
	Creator          string `json:"creator"`
	Status           string `json:"status"`
	ParticipantCount int    `json:"participant_count"`
	MaxParticipants  int    `json:"max_participants"`
	NumQuestions     int    `json:"num_questions"`
	TimeLimitMinutes int    `json:"time_limit_minutes"`
	CreatedAt        string `json:"created_at"`
}

// CreateRoom runs the room creation transaction: insert the room row, bind
// num_questions random questions in sequential order, and insert the creator
// as the first participant. Any failure rolls the whole thing back.
func (s *Store) CreateRoom(roomID, roomName, creator string, numQuestions, timeLimitMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin create room: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO rooms (room_id, room_name, creator, num_questions, time_limit_minutes) VALUES (?, ?, ?, ?, ?)`,
		roomID, roomName, creator, numQuestions, timeLimitMinutes,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert room %q: %w", roomID, err)
	}

	rows, err := tx.Query(
		`SELECT question_id FROM questions ORDER BY RANDOM() LIMIT ?`, numQuestions,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("pick questions: %w", err)
	}

	var questionIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return fmt.Errorf("scan question id: %w", err)
		}
		questionIDs = append(questionIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("pick questions: %w", err)
	}
	_ = rows.Close()

	if len(questionIDs) < numQuestions {
		_ = tx.Rollback()
		return fmt.Errorf("question pool too small: have %d, need %d", len(questionIDs), numQuestions)
	}

	for i, qid := range questionIDs {
		if _, err := tx.Exec(
			`INSERT INTO room_questions (room_id, question_id, question_order) VALUES (?, ?, ?)`,
			roomID, qid, i+1,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bind question %d: %w", qid, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO participants (room_id, username) VALUES (?, ?)`,
		roomID, creator,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert creator participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create room: %w", err)
	}
	return nil
}

// ListRooms returns the room projection joined with participant counts,
// newest first, optionally filtered by status ("" or "ALL" means all).
func (s *Store) ListRooms(statusFilter string) ([]RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT r.room_id, r.room_name, r.creator, r.status,
			COUNT(p.username) AS participant_count,
			r.max_participants, r.num_questions, r.time_limit_minutes, r.created_at
		FROM rooms r LEFT JOIN participants p ON r.room_id = p.room_id`
	var args []any
	if statusFilter != "" && statusFilter != "ALL" {
		query += ` WHERE r.status = ?`
		args = append(args, statusFilter)
	}
	query += ` GROUP BY r.room_id ORDER BY r.created_at DESC, r.room_id DESC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	rooms := []RoomInfo{}
	for rows.Next() {
		var r RoomInfo
		if err := rows.Scan(&r.RoomID, &r.RoomName, &r.Creator, &r.Status,
			&r.ParticipantCount, &r.MaxParticipants, &r.NumQuestions,
			&r.TimeLimitMinutes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// GetStatus returns the room's status, or types.RoomNotFound.
func (s *Store) GetStatus(roomID string) (types.RoomStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var status string
	err := s.conn.QueryRow(
		`SELECT status FROM rooms WHERE room_id = ?`, roomID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return types.RoomNotFound, nil
	}
	if err != nil {
		return types.RoomNotFound, fmt.Errorf("get room status %q: %w", roomID, err)
	}
	return types.ParseRoomStatus(status), nil
}

// GetStartTime returns when the exam started. Errors if the room has not
// started.
func (s *Store) GetStartTime(roomID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var start sql.NullString
	err := s.conn.QueryRow(
		`SELECT start_time FROM rooms WHERE room_id = ?`, roomID,
	).Scan(&start)
	if err != nil {
		return time.Time{}, fmt.Errorf("get start time %q: %w", roomID, err)
	}
	if !start.Valid {
		return time.Time{}, fmt.Errorf("room %q has not started", roomID)
	}
	return parseTime(start.String)
}

// IsExpired reports whether an IN_PROGRESS room's deadline has passed,
// judged against the store's clock so concurrent callers agree.
func (s *Store) IsExpired(roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var start sql.NullString
	var limitMinutes int
	err := s.conn.QueryRow(
		`SELECT start_time, time_limit_minutes FROM rooms WHERE room_id = ?`, roomID,
	).Scan(&start, &limitMinutes)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check expiry %q: %w", roomID, err)
	}
	if !start.Valid {
		return false, nil
	}
	startTime, err := parseTime(start.String)
	if err != nil {
		return false, err
	}
	deadline := startTime.Add(time.Duration(limitMinutes) * time.Minute)
	return !time.Now().UTC().Before(deadline), nil
}

// ExpiredRooms returns the ids of IN_PROGRESS rooms whose deadline has
// passed, for the lifecycle sweeper.
func (s *Store) ExpiredRooms() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		`SELECT room_id, start_time, time_limit_minutes FROM rooms WHERE status = 'IN_PROGRESS' AND start_time IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("list in-progress rooms: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	nowT := time.Now().UTC()
	var expired []string
	for rows.Next() {
		var roomID, start string
		var limitMinutes int
		if err := rows.Scan(&roomID, &start, &limitMinutes); err != nil {
			return nil, fmt.Errorf("scan in-progress room: %w", err)
		}
		startTime, err := parseTime(start)
		if err != nil {
			return nil, err
		}
		if !nowT.Before(startTime.Add(time.Duration(limitMinutes) * time.Minute)) {
			expired = append(expired, roomID)
		}
	}
	return expired, rows.Err()
}

// RoomCapacity returns the current participant count and the configured
// maximum.
func (s *Store) RoomCapacity(roomID string) (count, max int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.conn.QueryRow(
		`SELECT (SELECT COUNT(*) FROM participants WHERE room_id = r.room_id), r.max_participants
		 FROM rooms r WHERE r.room_id = ?`, roomID,
	).Scan(&count, &max)
	if err != nil {
		return 0, 0, fmt.Errorf("room capacity %q: %w", roomID, err)
	}
	return count, max, nil
}

// ParticipantCount returns the number of participants in a room.
func (s *Store) ParticipantCount(roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM participants WHERE room_id = ?`, roomID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("participant count %q: %w", roomID, err)
	}
	return count, nil
}

// IsCreator reports whether the user created the room.
func (s *Store) IsCreator(roomID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM rooms WHERE room_id = ? AND creator = ?`, roomID, username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check creator %q: %w", roomID, err)
	}
	return count > 0, nil
}

// IsParticipant reports whether the user is in the room's membership set.
func (s *Store) IsParticipant(roomID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM participants WHERE room_id = ? AND username = ?`, roomID, username,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check participant %q: %w", roomID, err)
	}
	return count > 0, nil
}

// JoinRoom inserts the user into the membership set; joining twice is a
// no-op.
func (s *Store) JoinRoom(roomID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`INSERT OR IGNORE INTO participants (room_id, username) VALUES (?, ?)`,
		roomID, username,
	)
	if err != nil {
		return fmt.Errorf("join room %q: %w", roomID, err)
	}
	return nil
}

// LeaveRoom removes the user's membership row.
func (s *Store) LeaveRoom(roomID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`DELETE FROM participants WHERE room_id = ? AND username = ?`,
		roomID, username,
	)
	if err != nil {
		return fmt.Errorf("leave room %q: %w", roomID, err)
	}
	return nil
}

// StartRoom transitions NOT_STARTED -> IN_PROGRESS and stamps start_time.
// The WHERE clause makes the transition monotonic; starting an already
// started room affects zero rows and errors.
func (s *Store) StartRoom(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.Exec(
		`UPDATE rooms SET status = 'IN_PROGRESS', start_time = ? WHERE room_id = ? AND status = 'NOT_STARTED'`,
		now(), roomID,
	)
	if err != nil {
		return fmt.Errorf("start room %q: %w", roomID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("start room %q: %w", roomID, err)
	}
	if n == 0 {
		return fmt.Errorf("start room %q: not in NOT_STARTED", roomID)
	}
	return nil
}

// FinishRoom transitions IN_PROGRESS -> FINISHED and stamps finish_time.
// Finishing an already finished room is a no-op; the bool reports whether
// this call performed the transition, so racing finalizers can tell who won.
func (s *Store) FinishRoom(roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.Exec(
		`UPDATE rooms SET status = 'FINISHED', finish_time = ? WHERE room_id = ? AND status = 'IN_PROGRESS'`,
		now(), roomID,
	)
	if err != nil {
		return false, fmt.Errorf("finish room %q: %w", roomID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish room %q: %w", roomID, err)
	}
	return n > 0, nil
}

// DeleteRoom removes the room; room_questions, participants, and
// exam_results cascade.
func (s *Store) DeleteRoom(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`DELETE FROM rooms WHERE room_id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("delete room %q: %w", roomID, err)
	}
	return nil
}
