package domain

// WebSocket message types from client.
const (
	MsgTypeAuth        = "auth"
	MsgTypeJoinRoom    = "join_room"
	MsgTypeChatMessage = "chat_message"
	MsgTypeLeaveRoom   = "leave_room"
	MsgTypePing        = "ping"
)

// WebSocket message types to client.
const (
	MsgTypeAuthResult = "auth_result"
	MsgTypeRoomJoined = "room_joined"
	MsgTypeMessage    = "message"
	MsgTypeGap        = "gap"
	MsgTypeError      = "error"
	MsgTypePong       = "pong"
)

// Error codes
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeNotInRoom     = "NOT_IN_ROOM"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type JoinRoomMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	// LastSeenID lets a reconnecting client backfill everything it missed
	// before its live feed attaches. Empty means no backfill.
	LastSeenID string `json:"last_seen_id,omitempty"`
}

type ChatMessageWS struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

type LeaveRoomMessage struct {
	Type string `json:"type"`
}

// Server -> Client messages

type AuthResultMessage struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

type RoomJoinedMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// MessageOut carries one delivered chat message.
type MessageOut struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// GapMessage tells the client its queue overflowed and the enclosed
// messages were recovered from the store.
type GapMessage struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id"`
	Recovered []Message `json:"recovered"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}
