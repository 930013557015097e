// Package types holds the core domain types shared between the protocol,
// registry, store, and server packages.
package types

// SessionState tracks where a connection is in the exam lifecycle.
type SessionState int

// Session states, ordered so that >= StateAuthenticated means "logged in".
const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateInRoom
	StateInExam
	StateInPractice
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateInRoom:
		return "IN_ROOM"
	case StateInExam:
		return "IN_EXAM"
	case StateInPractice:
		return "IN_PRACTICE"
	default:
		return "UNKNOWN"
	}
}

// RoomStatus mirrors the rooms.status column. The numeric values are part of
// the store contract: -1 not found, 0 NOT_STARTED, 1 IN_PROGRESS, 2 FINISHED.
type RoomStatus int

const (
	RoomNotFound   RoomStatus = -1
	RoomNotStarted RoomStatus = 0
	RoomInProgress RoomStatus = 1
	RoomFinished   RoomStatus = 2
)

func (s RoomStatus) String() string {
	switch s {
	case RoomNotStarted:
		return "NOT_STARTED"
	case RoomInProgress:
		return "IN_PROGRESS"
	case RoomFinished:
		return "FINISHED"
	default:
		return "NOT_FOUND"
	}
}

// ParseRoomStatus converts a stored status string back to its RoomStatus.
func ParseRoomStatus(s string) RoomStatus {
	switch s {
	case "NOT_STARTED":
		return RoomNotStarted
	case "IN_PROGRESS":
		return RoomInProgress
	case "FINISHED":
		return RoomFinished
	default:
		return RoomNotFound
	}
}

// UnansweredMark is stored in an answer string for a question the examinee
// never answered. It is counted as a definite miss when grading.
const UnansweredMark = '-'
