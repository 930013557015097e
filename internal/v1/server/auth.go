package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openexam/server/internal/v1/logging"
	"github.com/openexam/server/internal/v1/protocol"
	"github.com/openexam/server/internal/v1/registry"
	"github.com/openexam/server/internal/v1/types"
)

// hashPassword returns the hex SHA-256 digest stored and compared for
// logins.
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// mintSessionToken builds the session identifier: unique per (user,
// second), which is enough because create_session retires prior actives.
func mintSessionToken(username string) string {
	return fmt.Sprintf("sess_%d_%s", time.Now().Unix(), username)
}

func (s *Server) handleRegister(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	username, password := msg.Param(0), msg.Param(1)

	if !protocol.ValidateUsername(username) {
		logging.Warn(ctx, "Registration rejected: bad username", zap.String("attempt", username))
		s.reply(ctx, slot, protocol.CodeInvalidUsername, "Invalid username")
		return protocol.CodeInvalidUsername
	}
	if !protocol.ValidatePassword(password) {
		logging.Warn(ctx, "Registration rejected: weak password", zap.String("username", username))
		s.reply(ctx, slot, protocol.CodeWeakPassword, "Weak password")
		return protocol.CodeWeakPassword
	}

	exists, err := s.store.UsernameExists(username)
	if err != nil {
		return s.internalError(ctx, slot, "register", err)
	}
	if exists {
		logging.Warn(ctx, "Registration rejected: duplicate", zap.String("username", username))
		s.reply(ctx, slot, protocol.CodeUsernameExists, "Username already exists")
		return protocol.CodeUsernameExists
	}

	if err := s.store.CreateUser(username, hashPassword(password)); err != nil {
		return s.internalError(ctx, slot, "register", err)
	}
	_ = s.store.LogActivity("INFO", username, "REGISTER", "")

	logging.Info(ctx, "User registered", zap.String("username", username))
	s.reply(ctx, slot, protocol.CodeCreated, "CREATED")
	return protocol.CodeCreated
}

func (s *Server) handleLogin(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	username, password := msg.Param(0), msg.Param(1)

	var state types.SessionState
	s.registry.Snapshot(slot, func(sl registry.Slot) { state = sl.State })
	if state >= types.StateAuthenticated {
		s.reply(ctx, slot, protocol.CodeAlreadyLogged, "ALREADY_LOGGED")
		return protocol.CodeAlreadyLogged
	}

	// Check order is part of the observable behavior: unknown account,
	// then password, then lock, then concurrent session.
	exists, err := s.store.UsernameExists(username)
	if err != nil {
		return s.internalError(ctx, slot, "login", err)
	}
	if !exists {
		logging.Warn(ctx, "Login rejected: unknown account", zap.String("attempt", username))
		s.reply(ctx, slot, protocol.CodeAccountNotFound, "ACCOUNT_NOT_FOUND")
		return protocol.CodeAccountNotFound
	}

	ok, err := s.store.VerifyLogin(username, hashPassword(password))
	if err != nil {
		return s.internalError(ctx, slot, "login", err)
	}
	if !ok {
		logging.Warn(ctx, "Login rejected: wrong password", zap.String("username", username))
		_ = s.store.LogActivity("WARNING", username, "LOGIN_FAILED", "wrong password")
		s.reply(ctx, slot, protocol.CodeWrongPassword, "WRONG_PASSWORD")
		return protocol.CodeWrongPassword
	}

	locked, err := s.store.IsLocked(username)
	if err != nil {
		return s.internalError(ctx, slot, "login", err)
	}
	if locked {
		logging.Warn(ctx, "Login rejected: account locked", zap.String("username", username))
		s.reply(ctx, slot, protocol.CodeAccountLocked, "ACCOUNT_LOCKED")
		return protocol.CodeAccountLocked
	}

	loggedIn, err := s.store.IsUserLoggedIn(username)
	if err != nil {
		return s.internalError(ctx, slot, "login", err)
	}
	if loggedIn {
		logging.Warn(ctx, "Login rejected: already logged in", zap.String("username", username))
		s.reply(ctx, slot, protocol.CodeAlreadyLogged, "ALREADY_LOGGED")
		return protocol.CodeAlreadyLogged
	}

	token := mintSessionToken(username)
	if err := s.store.CreateSession(token, username); err != nil {
		return s.internalError(ctx, slot, "login", err)
	}

	s.registry.Update(slot, func(sl *registry.Slot) {
		sl.SessionID = token
		sl.Username = username
		sl.State = types.StateAuthenticated
	})
	_ = s.store.LogActivity("INFO", username, "LOGIN", "")

	logging.Info(ctx, "User logged in",
		zap.String("username", username), zap.Int("slot", slot.Index))
	s.reply(ctx, slot, protocol.CodeLoginOK, "LOGIN_OK "+token)
	return protocol.CodeLoginOK
}

func (s *Server) handleLogout(ctx context.Context, slot *registry.Slot) int {
	var sessionID, username string
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		sessionID, username = sl.SessionID, sl.Username
	})

	if err := s.store.DestroySession(sessionID); err != nil {
		return s.internalError(ctx, slot, "logout", err)
	}

	s.registry.Update(slot, func(sl *registry.Slot) {
		sl.SessionID = ""
		sl.Username = ""
		sl.State = types.StateConnected
		sl.CurrentRoom = ""
		sl.PracticeID = ""
		sl.ResetExam()
	})
	_ = s.store.LogActivity("INFO", username, "LOGOUT", "")

	logging.Info(ctx, "User logged out", zap.String("username", username))
	s.reply(ctx, slot, protocol.CodeLogoutOK, "LOGOUT_OK Goodbye")
	return protocol.CodeLogoutOK
}

func (s *Server) handleWhoami(ctx context.Context, slot *registry.Slot) int {
	var username, room string
	var state types.SessionState
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		username, state, room = sl.Username, sl.State, sl.CurrentRoom
	})

	s.reply(ctx, slot, protocol.CodeWhoami,
		fmt.Sprintf("%s|%s|%s", username, state, room))
	return protocol.CodeWhoami
}
