package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openexam/server/internal/v1/logging"
	"github.com/openexam/server/internal/v1/metrics"
	"github.com/openexam/server/internal/v1/protocol"
	"github.com/openexam/server/internal/v1/registry"
	"github.com/openexam/server/internal/v1/store"
	"github.com/openexam/server/internal/v1/types"
)

// Room sizing bounds for CREATE_ROOM and PRACTICE.
const (
	minQuestions = 5
	maxQuestions = 50
	minMinutes   = 5
	maxMinutes   = 120
)

// startTimestampLayout is the wall-clock format carried in the START_OK
// broadcast line.
const startTimestampLayout = "2006-01-02T15:04:05"

// lastRoomID makes epoch-second room ids unique within the process even
// when two rooms are created in the same second.
var lastRoomID atomic.Int64

func mintRoomID() string {
	now := time.Now().Unix()
	for {
		last := lastRoomID.Load()
		id := now
		if id <= last {
			id = last + 1
		}
		if lastRoomID.CompareAndSwap(last, id) {
			return strconv.FormatInt(id, 10)
		}
	}
}

func (s *Server) handleCreateRoom(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	name := msg.Param(0)
	numQuestions, errN := strconv.Atoi(msg.Param(1))
	timeLimit, errT := strconv.Atoi(msg.Param(2))

	if name == "" || errN != nil || errT != nil ||
		numQuestions < minQuestions || numQuestions > maxQuestions ||
		timeLimit < minMinutes || timeLimit > maxMinutes {
		logging.Warn(ctx, "Room creation rejected: bad parameters",
			zap.String("name", name), zap.String("n", msg.Param(1)), zap.String("t", msg.Param(2)))
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

	roomID := mintRoomID()
	if err := s.store.CreateRoom(roomID, name, username, numQuestions, timeLimit); err != nil {
		return s.internalError(ctx, slot, "create room", err)
	}

	s.registry.Update(slot, func(sl *registry.Slot) {
		sl.CurrentRoom = roomID
		sl.State = types.StateInRoom
	})
	_ = s.store.LogActivity("INFO", username, "CREATE_ROOM", roomID)

	logging.Info(logging.WithRoom(ctx, roomID), "Room created",
		zap.String("name", name), zap.Int("questions", numQuestions), zap.Int("minutes", timeLimit))
	s.reply(ctx, slot, protocol.CodeRoomCreated, "ROOM_CREATED "+roomID)
	return protocol.CodeRoomCreated
}

func (s *Server) handleListRooms(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	filter := strings.ToUpper(msg.Param(0))
	if !protocol.ValidFilter(filter) {
		logging.Warn(ctx, "Room list rejected: bad filter", zap.String("filter", msg.Param(0)))
		s.reply(ctx, slot, protocol.CodeInvalidParams, "INVALID_PARAMS")
		return protocol.CodeInvalidParams
	}

	rooms, err := s.store.ListRooms(filter)
	if err != nil {
		return s.internalError(ctx, slot, "list rooms", err)
	}

	payload, err := json.Marshal(struct {
		Rooms []store.RoomInfo `json:"rooms"`
	}{Rooms: rooms})
	if err != nil {
		return s.internalError(ctx, slot, "list rooms", err)
	}

	s.replyData(ctx, slot, protocol.CodeRoomsData, payload)
	return protocol.CodeRoomsData
}

func (s *Server) handleJoinRoom(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	roomID := msg.Param(0)
	ctx = logging.WithRoom(ctx, roomID)

	var state types.SessionState
	var username string
	s.registry.Snapshot(slot, func(sl registry.Slot) { state, username = sl.State, sl.Username })
	if state != types.StateAuthenticated {
		s.reply(ctx, slot, protocol.CodeInvalidState, "INVALID_STATE")
		return protocol.CodeInvalidState
	}

	status, err := s.store.GetStatus(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "join room", err)
	}
	switch status {
	case types.RoomNotFound:
		s.reply(ctx, slot, protocol.CodeRoomNotFound, "ROOM_NOT_FOUND")
		return protocol.CodeRoomNotFound
	case types.RoomInProgress:
		s.reply(ctx, slot, protocol.CodeRoomInProgress, "ROOM_IN_PROGRESS")
		return protocol.CodeRoomInProgress
	case types.RoomFinished:
		s.reply(ctx, slot, protocol.CodeRoomFinished, "ROOM_FINISHED")
		return protocol.CodeRoomFinished
	}

	count, max, err := s.store.RoomCapacity(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "join room", err)
	}
	if count >= max {
		logging.Warn(ctx, "Join rejected: room full", zap.Int("count", count), zap.Int("max", max))
		s.reply(ctx, slot, protocol.CodeRoomFull, "ROOM_FULL")
		return protocol.CodeRoomFull
	}

	if err := s.store.JoinRoom(roomID, username); err != nil {
		return s.internalError(ctx, slot, "join room", err)
	}

	s.registry.Update(slot, func(sl *registry.Slot) {
		sl.CurrentRoom = roomID
		sl.State = types.StateInRoom
	})
	_ = s.store.LogActivity("INFO", username, "JOIN_ROOM", roomID)

	logging.Info(ctx, "User joined room")
	s.reply(ctx, slot, protocol.CodeRoomJoinOK, "ROOM_JOIN_OK "+roomID)
	return protocol.CodeRoomJoinOK
}

func (s *Server) handleLeaveRoom(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	roomID := msg.Param(0)
	ctx = logging.WithRoom(ctx, roomID)

	var username, currentRoom string
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		username, currentRoom = sl.Username, sl.CurrentRoom
	})

	status, err := s.store.GetStatus(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "leave room", err)
	}
	if status == types.RoomNotFound {
		s.reply(ctx, slot, protocol.CodeRoomNotFound, "ROOM_NOT_FOUND")
		return protocol.CodeRoomNotFound
	}
	if currentRoom != roomID {
		s.reply(ctx, slot, protocol.CodeNotInRoom, "NOT_IN_ROOM")
		return protocol.CodeNotInRoom
	}

	isCreator, err := s.store.IsCreator(roomID, username)
	if err != nil {
		return s.internalError(ctx, slot, "leave room", err)
	}

	// A creator abandoning a room that never started takes the room with
	// them; an IN_PROGRESS or FINISHED room stays intact.
	if isCreator && status == types.RoomNotStarted {
		if err := s.store.DeleteRoom(roomID); err != nil {
			return s.internalError(ctx, slot, "leave room", err)
		}
		logging.Info(ctx, "Room deleted by departing creator")
	} else {
		if err := s.store.LeaveRoom(roomID, username); err != nil {
			return s.internalError(ctx, slot, "leave room", err)
		}
	}

	s.registry.Update(slot, func(sl *registry.Slot) {
		sl.CurrentRoom = ""
		sl.State = types.StateAuthenticated
		sl.ResetExam()
	})
	_ = s.store.LogActivity("INFO", username, "LEAVE_ROOM", roomID)

	s.reply(ctx, slot, protocol.CodeRoomLeaveOK, "ROOM_LEAVE_OK")
	return protocol.CodeRoomLeaveOK
}

func (s *Server) handleStartExam(ctx context.Context, slot *registry.Slot, msg *protocol.Message) int {
	roomID := msg.Param(0)
	ctx = logging.WithRoom(ctx, roomID)

	var username, currentRoom string
	s.registry.Snapshot(slot, func(sl registry.Slot) {
		username, currentRoom = sl.Username, sl.CurrentRoom
	})

	status, err := s.store.GetStatus(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "start exam", err)
	}
	switch status {
	case types.RoomNotFound:
		s.reply(ctx, slot, protocol.CodeRoomNotFound, "ROOM_NOT_FOUND")
		return protocol.CodeRoomNotFound
	case types.RoomInProgress:
		s.reply(ctx, slot, protocol.CodeRoomInProgress, "ROOM_IN_PROGRESS")
		return protocol.CodeRoomInProgress
	case types.RoomFinished:
		s.reply(ctx, slot, protocol.CodeRoomFinished, "ROOM_FINISHED")
		return protocol.CodeRoomFinished
	}

	if currentRoom != roomID {
		s.reply(ctx, slot, protocol.CodeNotInRoom, "NOT_IN_ROOM")
		return protocol.CodeNotInRoom
	}

	isCreator, err := s.store.IsCreator(roomID, username)
	if err != nil {
		return s.internalError(ctx, slot, "start exam", err)
	}
	if !isCreator {
		logging.Warn(ctx, "Start rejected: not creator")
		s.reply(ctx, slot, protocol.CodeNotCreator, "NOT_CREATOR")
		return protocol.CodeNotCreator
	}

	if err := s.store.StartRoom(roomID); err != nil {
		return s.internalError(ctx, slot, "start exam", err)
	}
	start, err := s.store.GetStartTime(roomID)
	if err != nil {
		return s.internalError(ctx, slot, "start exam", err)
	}

	// The creator's own reply arrives through the same fan-out, so every
	// participant sees an identical line.
	line := fmt.Sprintf("%d START_OK %s|%s\n",
		protocol.CodeStartOK, roomID, start.Local().Format(startTimestampLayout))
	n := s.registry.BroadcastRoom(roomID, []byte(line), func(sl *registry.Slot) {
		sl.State = types.StateInExam
		sl.ResetExam()
	})
	metrics.BroadcastRecipients.Add(float64(n))
	metrics.ActiveExams.Inc()
	_ = s.store.LogActivity("INFO", username, "START_EXAM", roomID)

	logging.Info(ctx, "Exam started", zap.Int("notified", n))
	return protocol.CodeStartOK
}
