package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openexam/server/internal/v1/logging"
	"github.com/openexam/server/internal/v1/metrics"
	"github.com/openexam/server/internal/v1/protocol"
	"github.com/openexam/server/internal/v1/registry"
	"github.com/openexam/server/internal/v1/types"
)

// requiredParams maps each verb to its minimum parameter count. Presence in
// the map is also what makes a verb known.
var requiredParams = map[string]int{
	protocol.VerbRegister:       2,
	protocol.VerbLogin:          2,
	protocol.VerbLogout:         0,
	protocol.VerbCreateRoom:     3,
	protocol.VerbListRooms:      0,
	protocol.VerbJoinRoom:       1,
	protocol.VerbLeaveRoom:      1,
	protocol.VerbStartExam:      1,
	protocol.VerbGetExam:        1,
	protocol.VerbSaveAnswer:     3,
	protocol.VerbSubmitExam:     1,
	protocol.VerbViewResult:     1,
	protocol.VerbPractice:       2,
	protocol.VerbSubmitPractice: 2,
	protocol.VerbPing:           0,
	protocol.VerbWhoami:         0,
}

// authExempt verbs may run before login.
var authExempt = map[string]bool{
	protocol.VerbRegister: true,
	protocol.VerbLogin:    true,
	protocol.VerbPing:     true,
}

// dispatch routes one decoded frame and records the outcome.
func (s *Server) dispatch(ctx context.Context, slot *registry.Slot, msg *protocol.Message) {
	if msg.IsData {
		// Clients have no business pushing data frames; the payload was
		// already drained by the decoder, so the stream stays in sync.
		logging.Warn(ctx, "Unexpected data frame from client",
			zap.Int("payload_len", len(msg.Payload)))
		s.reply(ctx, slot, protocol.CodeBadCommand, "Unexpected data frame")
		metrics.ObserveCommand("DATA", protocol.CodeBadCommand, 0)
		return
	}

	start := time.Now()
	code := s.handle(ctx, slot, msg)
	metrics.ObserveCommand(msg.Verb, code, time.Since(start).Seconds())
}

// handle enforces the dispatch gates (known verb, authentication, arity)
// and invokes the verb handler. Returns the response code sent.
func (s *Server) handle(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	min, known := requiredParams[msg.Verb]
	if !known {
		logging.Warn(ctx, "Unknown command", zap.String("verb", msg.Verb))
		s.reply(ctx, slot, protocol.CodeBadCommand, "Unknown command")
		return protocol.CodeBadCommand
	}

	var state types.SessionState
	var username, sessionID string
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		state, username, sessionID = sl.State, sl.Username, sl.SessionID
	})
	if username != "" {
		ctx = logging.WithUser(ctx, username)
	}

	if !authExempt[msg.Verb] && state < types.StateAuthenticated {
		logging.Warn(ctx, "Command before login", zap.String("verb", msg.Verb))
		s.reply(ctx, slot, protocol.CodeNotLogged, "NOT_LOGGED")
		return protocol.CodeNotLogged
	}

	if len(msg.Params) < min {
		logging.Warn(ctx, "Missing parameters",
			zap.String("verb", msg.Verb), zap.Int("got", len(msg.Params)))
		s.reply(ctx, slot, protocol.CodeSyntaxError, "Missing parameters")
		return protocol.CodeSyntaxError
	}

	// A session the sweeper idled out is dead even though the connection
	// survived; the slot falls back to CONNECTED and the client must log
	// in again.
	if sessionID != "" && !authExempt[msg.Verb] {
		active, err := s.store.SessionActive(sessionID)
		if err != nil {
			return s.internalError(ctx, slot, "session check", err)
		}
		if !active {
			s.registry.Update(slot, func(sl *registry.Slot) {
				sl.SessionID = ""
				sl.Username = ""
				sl.State = types.StateConnected
				sl.CurrentRoom = ""
				sl.PracticeID = ""
				sl.ResetExam()
			})
			logging.Warn(ctx, "Session expired", zap.String("verb", msg.Verb))
			s.reply(ctx, slot, protocol.CodeSessionExpired, "SESSION_EXPIRED")
			return protocol.CodeSessionExpired
		}
	}

	// Any frame on an authenticated connection keeps its session alive.
	if sessionID != "" {
		if err := s.store.TouchSession(sessionID); err != nil {
			logging.Error(ctx, "Session touch failed", zap.Error(err))
		}
	}

	switch msg.Verb {
	case protocol.VerbRegister:
		return s.handleRegister(ctx, slot, msg)
	case protocol.VerbLogin:
		return s.handleLogin(ctx, slot, msg)
	case protocol.VerbLogout:
		return s.handleLogout(ctx, slot)
	case protocol.VerbCreateRoom:
		return s.handleCreateRoom(ctx, slot, msg)
	case protocol.VerbListRooms:
		return s.handleListRooms(ctx, slot, msg)
	case protocol.VerbJoinRoom:
		return s.handleJoinRoom(ctx, slot, msg)
	case protocol.VerbLeaveRoom:
		return s.handleLeaveRoom(ctx, slot, msg)
	case protocol.VerbStartExam:
		return s.handleStartExam(ctx, slot, msg)
	case protocol.VerbGetExam:
		return s.handleGetExam(ctx, slot, msg)
	case protocol.VerbSaveAnswer:
		return s.handleSaveAnswer(ctx, slot, msg)
	case protocol.VerbSubmitExam:
		return s.handleSubmitExam(ctx, slot, msg)
	case protocol.VerbViewResult:
		return s.handleViewResult(ctx, slot, msg)
	case protocol.VerbPractice:
		return s.handlePractice(ctx, slot, msg)
	case protocol.VerbSubmitPractice:
		return s.handleSubmitPractice(ctx, slot, msg)
	case protocol.VerbPing:
		s.reply(ctx, slot, protocol.CodePong, "PONG")
		return protocol.CodePong
	case protocol.VerbWhoami:
		return s.handleWhoami(ctx, slot)
	}
	// Unreachable: every key of requiredParams has a case above.
	s.reply(ctx, slot, protocol.CodeInternalError, "INTERNAL_ERROR")
	return protocol.CodeInternalError
}

// internalError logs the failure and answers 500 without leaking store
// internals to the wire.
func (s *Server) internalError(ctx context.Context, slot *registry.Slot, op string, err error) int {
	logging.Error(ctx, "Handler failed", zap.String("op", op), zap.Error(err))
	s.reply(ctx, slot, protocol.CodeInternalError, "INTERNAL_ERROR")
	return protocol.CodeInternalError
}
