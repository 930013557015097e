package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openexam/server/internal/v1/logging"
	"github.com/openexam/server/internal/v1/metrics"
	"github.com/openexam/server/internal/v1/protocol"
	"github.com/openexam/server/internal/v1/registry"
	"github.com/openexam/server/internal/v1/store"
	"github.com/openexam/server/internal/v1/types"
)

func (s *Server) handleGetExam(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	roomID := msg.Param(0)
	ctx = logging.WithRoom(ctx, roomID)

	var state types.SessionState
	var currentRoom string
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		state, currentRoom = sl.State, sl.CurrentRoom
	})
	if state != types.StateInRoom && state != types.StateInExam {
		s.reply(ctx, slot, protocol.CodeInvalidState, "INVALID_STATE")
		return protocol.CodeInvalidState
	}
	if currentRoom != roomID {
		s.reply(ctx, slot, protocol.CodeNotInRoom, "NOT_IN_ROOM")
		return protocol.CodeNotInRoom
	}

	status, err := s.store.GetStatus(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "get exam", err)
	}
	switch status {
	case types.RoomNotFound:
		s.reply(ctx, slot, protocol.CodeRoomNotFound, "ROOM_NOT_FOUND")
		return protocol.CodeRoomNotFound
	case types.RoomNotStarted:
		s.reply(ctx, slot, protocol.CodeRoomInProgress, "ROOM_IN_PROGRESS")
		return protocol.CodeRoomInProgress
	case types.RoomFinished:
		s.reply(ctx, slot, protocol.CodeRoomFinished, "ROOM_FINISHED")
		return protocol.CodeRoomFinished
	}

	questions, err := s.store.ExamQuestions(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "get exam", err)
	}

	payload, err := json.Marshal(struct {
		Questions []store.ExamQuestion `json:"questions"`
	}{Questions: questions})
	if err != nil {
		return s.internalError(ctx, slot, "get exam", err)
	}

	// Cache the ordered question ids: SAVE_ANSWER addresses positions
	// through them, and SUBMIT_EXAM grades against the same order. A
	// re-fetch mid-exam must not touch the answer buffer; only the
	// START_OK transition resets it.
	ids := make([]int64, len(questions))
	for i, q := range questions {
		ids[i] = q.QuestionID
	}
	s.registry.Update(slot, func(sl *registry.Slot) {
		sl.QuestionIDs = ids
		if len(sl.Answers) != len(ids) {
			sl.Answers = make([]byte, len(ids))
		}
		sl.TotalQuestions = len(ids)
	})

	s.replyData(ctx, slot, protocol.CodeExamData, payload)
	return protocol.CodeExamData
}

func (s *Server) handleSaveAnswer(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	roomID, qidStr, optStr := msg.Param(0), msg.Param(1), msg.Param(2)
	ctx = logging.WithRoom(ctx, roomID)

	opt, ok := protocol.NormalizeOption(optStr)
	qid, err := strconv.ParseInt(qidStr, 10, 64)
	if !ok || err != nil {
		logging.Warn(ctx, "Answer rejected: bad parameters",
			zap.String("qid", qidStr), zap.String("opt", optStr))
		s.reply(ctx, slot, protocol.CodeInvalidParams, "INVALID_PARAMS")
		return protocol.CodeInvalidParams
	}

	var state types.SessionState
	var currentRoom string
	var submitted bool
	pos := -1
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		state, currentRoom, submitted = sl.State, sl.CurrentRoom, sl.HasSubmitted
		for i, id := range sl.QuestionIDs {
			if id == qid {
				pos = i
				break
			}
		}
	})

	if state != types.StateInExam {
		s.reply(ctx, slot, protocol.CodeInvalidState, "INVALID_STATE")
		return protocol.CodeInvalidState
	}
	if currentRoom != roomID {
		s.reply(ctx, slot, protocol.CodeNotInRoom, "NOT_IN_ROOM")
		return protocol.CodeNotInRoom
	}
	if pos < 0 {
		logging.Warn(ctx, "Answer rejected: question not in exam", zap.Int64("qid", qid))
		s.reply(ctx, slot, protocol.CodeInvalidParams, "INVALID_PARAMS")
		return protocol.CodeInvalidParams
	}
	if submitted {
		s.reply(ctx, slot, protocol.CodeInvalidState, "INVALID_STATE")
		return protocol.CodeInvalidState
	}

	expired, err := s.store.IsExpired(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "save answer", err)
	}
	if expired {
		s.reply(ctx, slot, protocol.CodeTimeExpired, "TIME_EXPIRED")
		return protocol.CodeTimeExpired
	}

	// Overwrites are allowed; the last accepted option wins.
	s.registry.Update(slot, func(sl *registry.Slot) {
		if pos < len(sl.Answers) {
			sl.Answers[pos] = opt
		}
	})

	s.reply(ctx, slot, protocol.CodeAnswerSaved, "ANSWER_SAVED")
	return protocol.CodeAnswerSaved
}

func (s *Server) handleSubmitExam(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	roomID := msg.Param(0)
	ctx = logging.WithRoom(ctx, roomID)

	var state types.SessionState
	var username, currentRoom string
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		state, username, currentRoom = sl.State, sl.Username, sl.CurrentRoom
	})

	status, err := s.store.GetStatus(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "submit exam", err)
	}
	if status == types.RoomNotFound {
		s.reply(ctx, slot, protocol.CodeRoomNotFound, "ROOM_NOT_FOUND")
		return protocol.CodeRoomNotFound
	}

	// A late submit is always 230, even when a force-submitted result
	// already exists; the sweeper owns post-deadline finalization.
	expired, err := s.store.IsExpired(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "submit exam", err)
	}
	if expired {
		s.reply(ctx, slot, protocol.CodeTimeExpired, "TIME_EXPIRED")
		return protocol.CodeTimeExpired
	}

	done, err := s.store.AlreadySubmitted(roomID, username)
	if err != nil {
		return s.internalError(ctx, slot, "submit exam", err)
	}
	if done {
		score, total, _, err := s.store.ResultFor(roomID, username)
		if err != nil {
			return s.internalError(ctx, slot, "submit exam", err)
		}
		s.reply(ctx, slot, protocol.CodeAlreadySubmitted, fmt.Sprintf("%d|%d", score, total))
		return protocol.CodeAlreadySubmitted
	}

	if state != types.StateInExam || currentRoom != roomID {
		s.reply(ctx, slot, protocol.CodeInvalidState, "INVALID_STATE")
		return protocol.CodeInvalidState
	}

	var answers []byte
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		answers = append([]byte(nil), sl.Answers...)
	})

	score, total, answerString, err := s.grade(roomID, answers)
	if err != nil {
		return s.internalError(ctx, slot, "submit exam", err)
	}

	start, err := s.store.GetStartTime(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "submit exam", err)
	}
	timeTaken := int(time.Now().UTC().Sub(start).Seconds())

	if err := s.store.SubmitResult(roomID, username, score, total, answerString, timeTaken); err != nil {
		return s.internalError(ctx, slot, "submit exam", err)
	}

	s.registry.Update(slot, func(sl *registry.Slot) {
		sl.HasSubmitted = true
		sl.CurrentRoom = ""
		sl.State = types.StateAuthenticated
	})
	_ = s.store.LogActivity("INFO", username, "SUBMIT_EXAM",
		fmt.Sprintf("%s score=%d/%d", roomID, score, total))

	logging.Info(ctx, "Exam submitted",
		zap.Int("score", score), zap.Int("total", total), zap.Int("time_taken", timeTaken))
	s.reply(ctx, slot, protocol.CodeSubmitOK, fmt.Sprintf("SUBMIT_OK %d|%d", score, total))

	s.maybeAutoFinish(ctx, roomID)
	return protocol.CodeSubmitOK
}

func (s *Server) handleViewResult(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	roomID := msg.Param(0)
	ctx = logging.WithRoom(ctx, roomID)

	status, err := s.store.GetStatus(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "view result", err)
	}
	if status == types.RoomNotFound {
		s.reply(ctx, slot, protocol.CodeRoomNotFound, "ROOM_NOT_FOUND")
		return protocol.CodeRoomNotFound
	}
	if status != types.RoomFinished {
		s.reply(ctx, slot, protocol.CodeRoomInProgress, "ROOM_IN_PROGRESS")
		return protocol.CodeRoomInProgress
	}

	entries, err := s.store.Leaderboard(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "view result", err)
	}

	payload, err := json.Marshal(struct {
		Leaderboard []store.LeaderboardEntry `json:"leaderboard"`
	}{Leaderboard: entries})
	if err != nil {
		return s.internalError(ctx, slot, "view result", err)
	}

	s.replyData(ctx, slot, protocol.CodeResultData, payload)
	return protocol.CodeResultData
}

// grade scores an answer buffer against the room's key. Unanswered
// positions count as misses. Returns the score, the effective total (the
// key length, covering slots that never fetched the exam), and the
// comma-joined audit string ("A,B,-,…").
func (s *Server) grade(roomID string, answers []byte) (score, total int, answerString string, err error) {
	key, err := s.store.CorrectAnswers(roomID)
	if err != nil {
		return 0, 0, "", err
	}
	total = len(key)

	marks := make([]string, total)
	for i := 0; i < total; i++ {
		letter := byte(types.UnansweredMark)
		if i < len(answers) && answers[i] != 0 {
			letter = answers[i]
		}
		if letter == key[i] {
			score++
		}
		marks[i] = string(letter)
	}
	return score, total, strings.Join(marks, ","), nil
}

// maybeAutoFinish closes the room once every participant has a result.
func (s *Server) maybeAutoFinish(ctx context.Context, roomID string) {
	all, err := s.store.AllSubmitted(roomID)
	if err != nil {
		logging.Error(ctx, "Auto-finish check failed", zap.Error(err))
		return
	}
	if !all {
		return
	}
	finished, err := s.store.FinishRoom(roomID)
	if err != nil {
		logging.Error(ctx, "Auto-finish failed", zap.Error(err))
		return
	}
	if !finished {
		// The sweeper got there first; it already decremented the gauge.
		return
	}
	metrics.ActiveExams.Dec()
	_ = s.store.LogActivity("INFO", "system", "ROOM_FINISHED", roomID)
	logging.Info(ctx, "Room finished: all participants submitted")
}
