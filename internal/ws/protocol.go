package ws

import (
	"encoding/json"

	"collabhub/api/internal/registry"
	"collabhub/api/internal/relay"
)

// Message types from client to server
const (
	TypeJoinProject  = "join-project"
	TypeLeaveProject = "leave-project"
	TypeFileOpen     = "file-open"
	TypeCodeChange   = "code-change"
	TypeCursorMove   = "cursor-move"
)

// Message types from server to client
const (
	TypeJoinAck         = "join-ack"
	TypeUserJoined      = "user-joined"
	TypeUserLeft        = "user-left"
	TypeUserFileOpened  = "user-file-opened"
	TypeChangeSubmitted = "change-submitted"
	TypeChangeReviewed  = "change-reviewed"
	TypeFileCommitted   = "file-committed"
	TypeError           = "error"
)

// Error codes. Everything except the transport-only codes matches the REST
// error codes.
const (
	ErrorCodeInvalidMessage  = "INVALID_MESSAGE"
	ErrorCodeSessionRequired = "SESSION_REQUIRED"
	ErrorCodeForbidden       = "FORBIDDEN"
	ErrorCodeUnauthorized    = "UNAUTHORIZED"
)

// Frame is every message on the wire in both directions. Seq is the relay
// sequence number of forwarded events and zero for direct replies.
type Frame struct {
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinProjectPayload struct {
	ProjectID string `json:"projectId"`
	Branch    string `json:"branch"`
}

type FileOpenPayload struct {
	FilePath string `json:"filePath"`
}

type CodeChangePayload struct {
	FilePath       string           `json:"filePath"`
	Content        string           `json:"content"`
	CursorPosition *registry.Cursor `json:"cursorPosition,omitempty"`
}

type CursorMovePayload struct {
	FilePath string          `json:"filePath"`
	Position registry.Cursor `json:"position"`
}

type JoinAckPayload struct {
	SessionID   string             `json:"sessionId"`
	ProjectID   string             `json:"projectId"`
	Branch      string             `json:"branch"`
	Capability  string             `json:"capability"`
	ActiveUsers []registry.Session `json:"activeUsers"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var wireTypes = map[relay.EventKind]string{
	relay.KindPresenceJoined:  TypeUserJoined,
	relay.KindPresenceLeft:    TypeUserLeft,
	relay.KindPresenceUpdated: TypeUserFileOpened,
	relay.KindEdit:            TypeCodeChange,
	relay.KindCursor:          TypeCursorMove,
	relay.KindChangeSubmitted: TypeChangeSubmitted,
	relay.KindChangeReviewed:  TypeChangeReviewed,
	relay.KindFileCommitted:   TypeFileCommitted,
}

// WireType names the frame type a relay event is delivered as.
func WireType(kind relay.EventKind) (string, bool) {
	t, ok := wireTypes[kind]
	return t, ok
}
