package protocol

// Response codes. The numeric values are stable protocol surface; clients
// switch on them, so they must never be renumbered.
const (
	// Success
	CodeCreated          = 100
	CodeLoginOK          = 110
	CodeRoomCreated      = 120
	CodeRoomsData        = 121
	CodeRoomJoinOK       = 122
	CodeRoomLeaveOK      = 123
	CodeStartOK          = 125
	CodeResultData       = 127
	CodeSubmitOK         = 130
	CodeAlreadySubmitted = 131
	CodeLogoutOK         = 132
	CodePracticeData     = 140
	CodePracticeResult   = 141
	CodeExamData         = 150
	CodeAnswerSaved      = 160
	CodePong             = 200
	CodeWhoami           = 201

	// Auth / session errors
	CodeAccountLocked   = 211
	CodeAccountNotFound = 212
	CodeAlreadyLogged   = 213
	CodeWrongPassword   = 214
	CodeNotLogged       = 221
	CodeSessionExpired  = 222

	// Room / exam errors
	CodeRoomNotFound   = 223
	CodeRoomInProgress = 224
	CodeRoomFinished   = 225
	CodeNotCreator     = 226
	CodeNotInRoom      = 227
	CodeRoomFull       = 228
	CodeTimeExpired    = 230
	CodeInvalidState   = 231

	// General errors
	CodeBadCommand    = 300
	CodeSyntaxError   = 301
	CodeInvalidParams = 302

	// Registration errors
	CodeUsernameExists  = 401
	CodeInvalidUsername = 402
	CodeWeakPassword    = 403

	CodeInternalError = 500
)

var codeNames = map[int]string{
	CodeCreated:          "CREATED",
	CodeLoginOK:          "LOGIN_OK",
	CodeRoomCreated:      "ROOM_CREATED",
	CodeRoomsData:        "ROOMS_DATA",
	CodeRoomJoinOK:       "ROOM_JOIN_OK",
	CodeRoomLeaveOK:      "ROOM_LEAVE_OK",
	CodeStartOK:          "START_OK",
	CodeResultData:       "RESULT_DATA",
	CodeSubmitOK:         "SUBMIT_OK",
	CodeAlreadySubmitted: "ALREADY_SUBMITTED",
	CodeLogoutOK:         "LOGOUT_OK",
	CodePracticeData:     "PRACTICE_DATA",
	CodePracticeResult:   "PRACTICE_RESULT",
	CodeExamData:         "EXAM_DATA",
	CodeAnswerSaved:      "ANSWER_SAVED",
	CodePong:             "PONG",
	CodeWhoami:           "WHOAMI",
	CodeAccountLocked:    "ACCOUNT_LOCKED",
	CodeAccountNotFound:  "ACCOUNT_NOT_FOUND",
	CodeAlreadyLogged:    "ALREADY_LOGGED",
	CodeWrongPassword:    "WRONG_PASSWORD",
	CodeNotLogged:        "NOT_LOGGED",
	CodeSessionExpired:   "SESSION_EXPIRED",
	CodeRoomNotFound:     "ROOM_NOT_FOUND",
	CodeRoomInProgress:   "ROOM_IN_PROGRESS",
	CodeRoomFinished:     "ROOM_FINISHED",
	CodeNotCreator:       "NOT_CREATOR",
	CodeNotInRoom:        "NOT_IN_ROOM",
	CodeRoomFull:         "ROOM_FULL",
	CodeTimeExpired:      "TIME_EXPIRED",
	CodeInvalidState:     "INVALID_STATE",
	CodeBadCommand:       "BAD_COMMAND",
	CodeSyntaxError:      "SYNTAX_ERROR",
	CodeInvalidParams:    "INVALID_PARAMS",
	CodeUsernameExists:   "USERNAME_EXISTS",
	CodeInvalidUsername:  "INVALID_USERNAME",
	CodeWeakPassword:     "WEAK_PASSWORD",
	CodeInternalError:    "INTERNAL_ERROR",
}

// CodeName returns the symbolic name for a response code, or "UNKNOWN".
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "UNKNOWN"
}

// Client-to-server verbs.
const (
	VerbRegister       = "REGISTER"
	VerbLogin          = "LOGIN"
	VerbLogout         = "LOGOUT"
	VerbCreateRoom     = "CREATE_ROOM"
	VerbListRooms      = "LIST_ROOMS"
	VerbJoinRoom       = "JOIN_ROOM"
	VerbLeaveRoom      = "LEAVE_ROOM"
	VerbStartExam      = "START_EXAM"
	VerbGetExam        = "GET_EXAM"
	VerbSaveAnswer     = "SAVE_ANSWER"
	VerbSubmitExam     = "SUBMIT_EXAM"
	VerbViewResult     = "VIEW_RESULT"
	VerbPractice       = "PRACTICE"
	VerbSubmitPractice = "SUBMIT_PRACTICE"
	VerbPing           = "PING"
	VerbWhoami         = "WHOAMI"
)
