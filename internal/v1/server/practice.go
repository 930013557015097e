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
	"github.com/openexam/server/internal/v1/protocol"
	"github.com/openexam/server/internal/v1/registry"
	"github.com/openexam/server/internal/v1/store"
	"github.com/openexam/server/internal/v1/types"
)

func mintPracticeID(username string) string {
	return fmt.Sprintf("prac_%d_%s", time.Now().UnixNano(), username)
}

func (s *Server) handlePractice(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	numQuestions, errN := strconv.Atoi(msg.Param(0))
	timeLimit, errT := strconv.Atoi(msg.Param(1))
	if errN != nil || errT != nil ||
		numQuestions < minQuestions || numQuestions > maxQuestions ||
		timeLimit < minMinutes || timeLimit > maxMinutes {
		logging.Warn(ctx, "Practice rejected: bad parameters",
			zap.String("n", msg.Param(0)), zap.String("t", msg.Param(1)))
		s.reply(ctx, slot, protocol.CodeInvalidParams, "INVALID_PARAMS")
		return protocol.CodeInvalidParams
	}

	var state types.SessionState
	var username string
	s.registry.Snapshot(slot, func(sl registry.Slot) { state, username = sl.State, sl.Username })
	if state != types.StateAuthenticated {
		s.reply(ctx, slot, protocol.CodeInvalidState, "INVALID_STATE")
		return protocol.CodeInvalidState
	}

	practiceID := mintPracticeID(username)
	questions, err := s.store.CreatePractice(practiceID, username, numQuestions, timeLimit)
	if err != nil {
		return s.internalError(ctx, slot, "practice", err)
	}

	payload, err := json.Marshal(struct {
		PracticeID string               `json:"practice_id"`
		TimeLimit  int                  `json:"time_limit"`
		Questions  []store.ExamQuestion `json:"questions"`
	}{PracticeID: practiceID, TimeLimit: timeLimit, Questions: questions})
	if err != nil {
		return s.internalError(ctx, slot, "practice", err)
	}

	s.registry.Update(slot, func(sl *registry.Slot) {
		sl.PracticeID = practiceID
		sl.State = types.StateInPractice
	})
	_ = s.store.LogActivity("INFO", username, "PRACTICE", practiceID)

	logging.Info(ctx, "Practice drill started",
		zap.String("practice_id", practiceID), zap.Int("questions", numQuestions))
	s.replyData(ctx, slot, protocol.CodePracticeData, payload)
	return protocol.CodePracticeData
}

func (s *Server) handleSubmitPractice(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	practiceID, answersCSV := msg.Param(0), msg.Param(1)

	var state types.SessionState
	var username, currentPractice string
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		state, username, currentPractice = sl.State, sl.Username, sl.PracticeID
	})
	if state != types.StateInPractice || currentPractice != practiceID {
		s.reply(ctx, slot, protocol.CodeInvalidState, "INVALID_STATE")
		return protocol.CodeInvalidState
	}

	key, ok, err := s.store.PracticeAnswers(practiceID, username)
	if err != nil {
		return s.internalError(ctx, slot, "submit practice", err)
	}
	if !ok {
		s.reply(ctx, slot, protocol.CodeInvalidParams, "INVALID_PARAMS")
		return protocol.CodeInvalidParams
	}

	// Missing or unparseable positions count as misses, same as an exam
	// answer buffer that was never filled.
	given := strings.Split(answersCSV, ",")
	score := 0
	for i := 0; i < len(key); i++ {
		if i >= len(given) {
			break
		}
		if letter, ok := protocol.NormalizeOption(strings.TrimSpace(given[i])); ok && letter == key[i] {
			score++
		}
	}

	if err := s.store.RecordPracticeScore(practiceID, score); err != nil {
		return s.internalError(ctx, slot, "submit practice", err)
	}

	s.registry.Update(slot, func(sl *registry.Slot) {
		sl.PracticeID = ""
		sl.State = types.StateAuthenticated
	})
	_ = s.store.LogActivity("INFO", username, "SUBMIT_PRACTICE",
		fmt.Sprintf("%s score=%d/%d", practiceID, score, len(key)))

	s.reply(ctx, slot, protocol.CodePracticeResult,
		fmt.Sprintf("PRACTICE_RESULT %d|%d", score, len(key)))
	return protocol.CodePracticeResult
}
