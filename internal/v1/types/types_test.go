package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "AUTHENTICATED", StateAuthenticated.String())
	assert.Equal(t, "IN_ROOM", StateInRoom.String())
	assert.Equal(t, "IN_EXAM", StateInExam.String())
	assert.Equal(t, "IN_PRACTICE", StateInPractice.String())
	assert.Equal(t, "UNKNOWN", SessionState(99).String())
}

func TestRoomStatusRoundTrip(t *testing.T) {
	for _, st := range []RoomStatus{RoomNotStarted, RoomInProgress, RoomFinished} {
		assert.Equal(t, st, ParseRoomStatus(st.String()))
	}
	assert.Equal(t, RoomNotFound, ParseRoomStatus("garbage"))
}

func TestStateOrdering(t *testing.T) {
	// The auth gate relies on state ordering.
	assert.True(t, StateInRoom >= StateAuthenticated)
	assert.True(t, StateInExam >= StateAuthenticated)
	assert.False(t, StateConnected >= StateAuthenticated)
}
