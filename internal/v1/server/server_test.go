package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/openexam/server/internal/v1/config"
	"github.com/openexam/server/internal/v1/protocol"
	"github.com/openexam/server/internal/v1/store"
	"github.com/openexam/server/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "exam.db"))
	require.NoError(t, err)
	_, err = st.SeedQuestions()
	require.NoError(t, err)

	cfg := &config.Config{
		Port:               "0",
		MaxClients:         16,
		SweepInterval:      50 * time.Millisecond,
		SessionIdleTimeout: 30 * time.Minute,
	}
	srv := New(cfg, st)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.NoError(t, st.Close())
	})
	return srv, st
}

// testClient speaks the wire protocol from the client side.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(verb string, params ...string) {
	c.t.Helper()
	_, err := c.conn.Write(protocol.EncodeRequest(verb, params...))
	require.NoError(c.t, err)
}

// readLine reads one response line, without its terminator.
func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\n")
}

// readData reads one data-response frame and returns its code and payload.
func (c *testClient) readData() (int, []byte) {
	c.t.Helper()
	header := c.readLine()
	fields := strings.Fields(header)
	require.Len(c.t, fields, 3, "expected data header, got %q", header)
	require.Equal(c.t, "DATA", fields[1])

	code, err := strconv.Atoi(fields[0])
	require.NoError(c.t, err)
	n, err := strconv.Atoi(fields[2])
	require.NoError(c.t, err)

	payload := make([]byte, n)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(c.r, payload)
	require.NoError(c.t, err)
	return code, payload
}

// login registers (ignoring duplicates) and logs the user in.
func (c *testClient) login(username, password string) {
	c.t.Helper()
	c.send(protocol.VerbRegister, username, password)
	reg := c.readLine()
	require.True(c.t,
		strings.HasPrefix(reg, "100") || strings.HasPrefix(reg, "401"),
		"unexpected register reply %q", reg)
	c.send(protocol.VerbLogin, username, password)
	require.True(c.t, strings.HasPrefix(c.readLine(), "110 LOGIN_OK sess_"))
}

type examPayload struct {
	Questions []struct {
		QuestionID int64    `json:"question_id"`
		Content    string   `json:"content"`
		Options    []string `json:"options"`
	} `json:"questions"`
}

type leaderboardPayload struct {
	Leaderboard []struct {
		Rank     int    `json:"rank"`
		Username string `json:"username"`
		Score    int    `json:"score"`
		Total    int    `json:"total"`
	} `json:"leaderboard"`
}

func TestRegisterLoginLogout(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialClient(t, srv)

	c.send(protocol.VerbRegister, "alice", "Password1")
	assert.Equal(t, "100 CREATED", c.readLine())

	c.send(protocol.VerbLogin, "alice", "Password1")
	line := c.readLine()
	assert.True(t, strings.HasPrefix(line, "110 LOGIN_OK sess_"), "got %q", line)
	assert.Contains(t, line, "_alice")

	c.send(protocol.VerbLogout)
	assert.Equal(t, "132 LOGOUT_OK Goodbye", c.readLine())
}

func TestRegisterValidation(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialClient(t, srv)

	c.send(protocol.VerbRegister, "ab", "Password1")
	assert.True(t, strings.HasPrefix(c.readLine(), "402"))

	c.send(protocol.VerbRegister, "alice", "weak")
	assert.True(t, strings.HasPrefix(c.readLine(), "403"))

	c.send(protocol.VerbRegister, "bob", "Password1")
	assert.Equal(t, "100 CREATED", c.readLine())

	c.send(protocol.VerbRegister, "bob", "Different1")
	assert.Equal(t, "401 Username already exists", c.readLine())
}

func TestLoginErrors(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialClient(t, srv)

	c.send(protocol.VerbLogin, "ghost", "Password1")
	assert.True(t, strings.HasPrefix(c.readLine(), "212"))

	c.send(protocol.VerbRegister, "alice", "Password1")
	assert.Equal(t, "100 CREATED", c.readLine())

	c.send(protocol.VerbLogin, "alice", "WrongPass1")
	assert.True(t, strings.HasPrefix(c.readLine(), "214"))

	c.send(protocol.VerbLogin, "alice", "Password1")
	assert.True(t, strings.HasPrefix(c.readLine(), "110"))

	// The same account on a second connection is rejected while the
	// first session is active.
	c2 := dialClient(t, srv)
	c2.send(protocol.VerbLogin, "alice", "Password1")
	assert.True(t, strings.HasPrefix(c2.readLine(), "213"))
}

func TestDispatchGates(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialClient(t, srv)

	// PING is exempt from the auth gate.
	c.send(protocol.VerbPing)
	assert.Equal(t, "200 PONG", c.readLine())

	c.send(protocol.VerbListRooms)
	assert.True(t, strings.HasPrefix(c.readLine(), "221"))

	c.send("BOGUS")
	assert.True(t, strings.HasPrefix(c.readLine(), "300"))

	c.send(protocol.VerbLogin, "alice")
	assert.True(t, strings.HasPrefix(c.readLine(), "301"))

	// Lowercase verbs fail frame validation but keep the stream alive.
	_, err := c.conn.Write([]byte("login alice|Password1\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.readLine(), "301"))

	c.send(protocol.VerbPing)
	assert.Equal(t, "200 PONG", c.readLine())
}

func TestRoomCreateJoinStartBroadcast(t *testing.T) {
	srv, _ := startTestServer(t)

	alice := dialClient(t, srv)
	alice.login("alice", "Password1")
	bob := dialClient(t, srv)
	bob.login("bob", "Password1")

	alice.send(protocol.VerbCreateRoom, "Math", "5", "10")
	created := alice.readLine()
	require.True(t, strings.HasPrefix(created, "120 ROOM_CREATED "), "got %q", created)
	roomID := strings.TrimPrefix(created, "120 ROOM_CREATED ")

	bob.send(protocol.VerbJoinRoom, roomID)
	assert.Equal(t, "122 ROOM_JOIN_OK "+roomID, bob.readLine())

	// LIST_ROOMS sees the room with both participants.
	bob.send(protocol.VerbListRooms, "NOT_STARTED")
	code, payload := bob.readData()
	assert.Equal(t, protocol.CodeRoomsData, code)
	var rooms struct {
		Rooms []store.RoomInfo `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(payload, &rooms))
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, roomID, rooms.Rooms[0].RoomID)
	assert.Equal(t, "alice", rooms.Rooms[0].Creator)
	assert.Equal(t, 2, rooms.Rooms[0].ParticipantCount)

	// Only the creator may start.
	bob.send(protocol.VerbStartExam, roomID)
	assert.True(t, strings.HasPrefix(bob.readLine(), "226"))

	// The start broadcast reaches every participant, creator included.
	alice.send(protocol.VerbStartExam, roomID)
	aliceLine := alice.readLine()
	bobLine := bob.readLine()
	assert.True(t, strings.HasPrefix(aliceLine, "125 START_OK "+roomID+"|"), "got %q", aliceLine)
	assert.Equal(t, aliceLine, bobLine)
}

func TestExamFetchSaveSubmit(t *testing.T) {
	srv, st := startTestServer(t)

	alice := dialClient(t, srv)
	alice.login("alice", "Password1")
	bob := dialClient(t, srv)
	bob.login("bob", "Password1")

	alice.send(protocol.VerbCreateRoom, "Math", "5", "10")
	roomID := strings.TrimPrefix(alice.readLine(), "120 ROOM_CREATED ")
	bob.send(protocol.VerbJoinRoom, roomID)
	bob.readLine()

	alice.send(protocol.VerbStartExam, roomID)
	alice.readLine()
	bob.readLine()

	bob.send(protocol.VerbGetExam, roomID)
	code, payload := bob.readData()
	assert.Equal(t, protocol.CodeExamData, code)
	assert.NotContains(t, string(payload), "correct_answer")

	var exam examPayload
	require.NoError(t, json.Unmarshal(payload, &exam))
	require.Len(t, exam.Questions, 5)
	for _, q := range exam.Questions {
		require.Len(t, q.Options, 4)
	}

	qid := strconv.FormatInt(exam.Questions[0].QuestionID, 10)
	bob.send(protocol.VerbSaveAnswer, roomID, qid, "A")
	assert.Equal(t, "160 ANSWER_SAVED", bob.readLine())

	// Overwrite is permitted; lowercase is normalized.
	bob.send(protocol.VerbSaveAnswer, roomID, qid, "b")
	assert.Equal(t, "160 ANSWER_SAVED", bob.readLine())

	// A question id outside the exam is rejected.
	bob.send(protocol.VerbSaveAnswer, roomID, "999999", "A")
	assert.True(t, strings.HasPrefix(bob.readLine(), "302"))

	bob.send(protocol.VerbSubmitExam, roomID)
	submitted := bob.readLine()
	require.True(t, strings.HasPrefix(submitted, "130 SUBMIT_OK "), "got %q", submitted)
	scorePart := strings.TrimPrefix(submitted, "130 SUBMIT_OK ")
	assert.True(t, strings.HasSuffix(scorePart, "|5"))

	// Submitting again returns the stored result unchanged.
	bob.send(protocol.VerbSubmitExam, roomID)
	assert.Equal(t, "131 "+scorePart, bob.readLine())

	// Once everyone submits the room auto-finishes.
	alice.send(protocol.VerbGetExam, roomID)
	alice.readData()
	alice.send(protocol.VerbSubmitExam, roomID)
	require.True(t, strings.HasPrefix(alice.readLine(), "130 SUBMIT_OK "))

	status, err := st.GetStatus(roomID)
	require.NoError(t, err)
	assert.Equal(t, types.RoomFinished, status)

	alice.send(protocol.VerbViewResult, roomID)
	code, payload = alice.readData()
	assert.Equal(t, protocol.CodeResultData, code)
	var lb leaderboardPayload
	require.NoError(t, json.Unmarshal(payload, &lb))
	require.Len(t, lb.Leaderboard, 2)
	assert.Equal(t, 1, lb.Leaderboard[0].Rank)
}

func TestGetExamRefetchKeepsSavedAnswers(t *testing.T) {
	srv, st := startTestServer(t)

	alice := dialClient(t, srv)
	alice.login("alice", "Password1")

	alice.send(protocol.VerbCreateRoom, "Refetch", "5", "10")
	roomID := strings.TrimPrefix(alice.readLine(), "120 ROOM_CREATED ")
	alice.send(protocol.VerbStartExam, roomID)
	alice.readLine()

	alice.send(protocol.VerbGetExam, roomID)
	_, payload := alice.readData()
	var exam examPayload
	require.NoError(t, json.Unmarshal(payload, &exam))
	require.Len(t, exam.Questions, 5)

	key, err := st.CorrectAnswers(roomID)
	require.NoError(t, err)
	require.Len(t, key, 5)

	qid := strconv.FormatInt(exam.Questions[0].QuestionID, 10)
	alice.send(protocol.VerbSaveAnswer, roomID, qid, string(key[0]))
	assert.Equal(t, "160 ANSWER_SAVED", alice.readLine())

	// Re-fetching the question list mid-exam must not disturb saved
	// answers.
	alice.send(protocol.VerbGetExam, roomID)
	code, _ := alice.readData()
	assert.Equal(t, protocol.CodeExamData, code)

	alice.send(protocol.VerbSubmitExam, roomID)
	assert.Equal(t, "130 SUBMIT_OK 1|5", alice.readLine())
}

func TestClientDataFrameRejected(t *testing.T) {
	srv, _ := startTestServer(t)

	c := dialClient(t, srv)
	c.login("alice", "Password1")

	// A data frame from the client is drained and refused; the stream
	// stays in sync afterwards.
	_, err := c.conn.Write(protocol.EncodeData(150, []byte(`{"x":1}`)))
	require.NoError(t, err)
	assert.Equal(t, "300 Unexpected data frame", c.readLine())

	c.send(protocol.VerbPing)
	assert.Equal(t, "200 PONG", c.readLine())
}

func TestDeadlineSweeperForceSubmits(t *testing.T) {
	srv, st := startTestServer(t)

	alice := dialClient(t, srv)
	alice.login("alice", "Password1")
	bob := dialClient(t, srv)
	bob.login("bob", "Password1")

	alice.send(protocol.VerbCreateRoom, "Timed", "5", "5")
	roomID := strings.TrimPrefix(alice.readLine(), "120 ROOM_CREATED ")
	bob.send(protocol.VerbJoinRoom, roomID)
	bob.readLine()

	alice.send(protocol.VerbStartExam, roomID)
	alice.readLine()
	bob.readLine()

	bob.send(protocol.VerbGetExam, roomID)
	_, payload := bob.readData()
	var exam examPayload
	require.NoError(t, json.Unmarshal(payload, &exam))
	bob.send(protocol.VerbSaveAnswer, roomID, strconv.FormatInt(exam.Questions[0].QuestionID, 10), "A")
	bob.readLine()

	// Push the room past its deadline.
	old := time.Now().UTC().Add(-6 * time.Minute).Format(time.RFC3339)
	_, err := st.Conn().Exec(`UPDATE rooms SET start_time = ? WHERE room_id = ?`, old, roomID)
	require.NoError(t, err)

	// The sweeper finalizes the room.
	require.Eventually(t, func() bool {
		status, err := st.GetStatus(roomID)
		return err == nil && status == types.RoomFinished
	}, 5*time.Second, 25*time.Millisecond)

	// Late saves and submits are refused after the deadline.
	bob.send(protocol.VerbSaveAnswer, roomID, strconv.FormatInt(exam.Questions[1].QuestionID, 10), "A")
	assert.True(t, strings.HasPrefix(bob.readLine(), "230"))
	bob.send(protocol.VerbSubmitExam, roomID)
	assert.True(t, strings.HasPrefix(bob.readLine(), "230"))

	// Both participants were force-submitted into the leaderboard.
	alice.send(protocol.VerbViewResult, roomID)
	code, payload := alice.readData()
	assert.Equal(t, protocol.CodeResultData, code)
	var lb leaderboardPayload
	require.NoError(t, json.Unmarshal(payload, &lb))
	require.Len(t, lb.Leaderboard, 2)
	for _, entry := range lb.Leaderboard {
		assert.Equal(t, 5, entry.Total)
	}
}

func TestCreatorAbandonsUnstartedRoom(t *testing.T) {
	srv, _ := startTestServer(t)

	alice := dialClient(t, srv)
	alice.login("alice", "Password1")
	bob := dialClient(t, srv)
	bob.login("bob", "Password1")

	alice.send(protocol.VerbCreateRoom, "Doomed", "5", "10")
	roomID := strings.TrimPrefix(alice.readLine(), "120 ROOM_CREATED ")

	alice.send(protocol.VerbLeaveRoom, roomID)
	assert.Equal(t, "123 ROOM_LEAVE_OK", alice.readLine())

	bob.send(protocol.VerbJoinRoom, roomID)
	assert.True(t, strings.HasPrefix(bob.readLine(), "223"))
}

func TestJoinPreconditions(t *testing.T) {
	srv, _ := startTestServer(t)

	alice := dialClient(t, srv)
	alice.login("alice", "Password1")
	carol := dialClient(t, srv)
	carol.login("carol", "Password1")

	carol.send(protocol.VerbJoinRoom, "nope")
	assert.True(t, strings.HasPrefix(carol.readLine(), "223"))

	alice.send(protocol.VerbCreateRoom, "Solo", "5", "10")
	roomID := strings.TrimPrefix(alice.readLine(), "120 ROOM_CREATED ")
	alice.send(protocol.VerbStartExam, roomID)
	alice.readLine()

	carol.send(protocol.VerbJoinRoom, roomID)
	assert.True(t, strings.HasPrefix(carol.readLine(), "224"))

	// A second CREATE_ROOM while still in a room is an invalid state.
	alice.send(protocol.VerbCreateRoom, "Again", "5", "10")
	assert.True(t, strings.HasPrefix(alice.readLine(), "231"))
}

func TestCreateRoomValidation(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialClient(t, srv)
	c.login("alice", "Password1")

	for _, params := range [][]string{
		{"Bad", "4", "10"},
		{"Bad", "51", "10"},
		{"Bad", "5", "4"},
		{"Bad", "5", "121"},
		{"Bad", "x", "10"},
	} {
		c.send(protocol.VerbCreateRoom, params...)
		assert.True(t, strings.HasPrefix(c.readLine(), "302"), "params %v", params)
	}
}

func TestWhoami(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialClient(t, srv)
	c.login("alice", "Password1")

	c.send(protocol.VerbWhoami)
	assert.Equal(t, "201 alice|AUTHENTICATED|", c.readLine())

	c.send(protocol.VerbCreateRoom, "Mine", "5", "10")
	roomID := strings.TrimPrefix(c.readLine(), "120 ROOM_CREATED ")

	c.send(protocol.VerbWhoami)
	assert.Equal(t, "201 alice|IN_ROOM|"+roomID, c.readLine())
}

func TestPracticeDrill(t *testing.T) {
	srv, _ := startTestServer(t)
	c := dialClient(t, srv)
	c.login("alice", "Password1")

	c.send(protocol.VerbPractice, "5", "10")
	code, payload := c.readData()
	assert.Equal(t, protocol.CodePracticeData, code)
	assert.NotContains(t, string(payload), "correct_answer")

	var drill struct {
		PracticeID string `json:"practice_id"`
		TimeLimit  int    `json:"time_limit"`
		Questions  []struct {
			QuestionID int64 `json:"question_id"`
		} `json:"questions"`
	}
	require.NoError(t, json.Unmarshal(payload, &drill))
	assert.True(t, strings.HasPrefix(drill.PracticeID, "prac_"))
	assert.Equal(t, 10, drill.TimeLimit)
	require.Len(t, drill.Questions, 5)

	// Room verbs are refused mid-drill.
	c.send(protocol.VerbCreateRoom, "Nope", "5", "10")
	assert.True(t, strings.HasPrefix(c.readLine(), "231"))

	c.send(protocol.VerbSubmitPractice, drill.PracticeID, "A,A,A,A,A")
	line := c.readLine()
	require.True(t, strings.HasPrefix(line, "141 PRACTICE_RESULT "), "got %q", line)
	assert.True(t, strings.HasSuffix(line, "|5"))

	// The drill is finished; a second submit is out of state.
	c.send(protocol.VerbSubmitPractice, drill.PracticeID, "A,A,A,A,A")
	assert.True(t, strings.HasPrefix(c.readLine(), "231"))
}

func TestDisconnectFreesSession(t *testing.T) {
	srv, st := startTestServer(t)

	c := dialClient(t, srv)
	c.login("alice", "Password1")
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		loggedIn, err := st.IsUserLoggedIn("alice")
		return err == nil && !loggedIn
	}, 5*time.Second, 25*time.Millisecond)

	// The account is usable again from a fresh connection.
	c2 := dialClient(t, srv)
	c2.send(protocol.VerbLogin, "alice", "Password1")
	assert.True(t, strings.HasPrefix(c2.readLine(), "110 LOGIN_OK "))
}

func TestExpiredSessionIsRejected(t *testing.T) {
	srv, st := startTestServer(t)

	c := dialClient(t, srv)
	c.login("alice", "Password1")

	// Simulate the idle sweeper retiring the session behind the live
	// connection.
	_, err := st.Conn().Exec(`UPDATE sessions SET is_active = 0 WHERE username = ?`, "alice")
	require.NoError(t, err)

	c.send(protocol.VerbWhoami)
	assert.Equal(t, "222 SESSION_EXPIRED", c.readLine())

	// The slot dropped back to CONNECTED; further commands need a login.
	c.send(protocol.VerbListRooms)
	assert.True(t, strings.HasPrefix(c.readLine(), "221"))

	c.send(protocol.VerbLogin, "alice", "Password1")
	assert.True(t, strings.HasPrefix(c.readLine(), "110 LOGIN_OK "))
}

func TestServerFull(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "exam.db"))
	require.NoError(t, err)

	cfg := &config.Config{
		Port:               "0",
		MaxClients:         1,
		SweepInterval:      time.Second,
		SessionIdleTimeout: 30 * time.Minute,
	}
	srv := New(cfg, st)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.NoError(t, st.Close())
	})

	first := dialClient(t, srv)
	first.send(protocol.VerbPing)
	assert.Equal(t, "200 PONG", first.readLine())

	second := dialClient(t, srv)
	assert.Equal(t, "500 Server full", second.readLine())
}
