package models

import (
	"encoding/json"
	"strings"
)

type Permission string

const (
	PermRead  Permission = "READ"
	PermWrite Permission = "WRITE"
	PermOwner Permission = "OWNER"
)

// ParsePermission normalizes a stored permission type. Unknown values map to READ.
func ParsePermission(s string) Permission {
	switch Permission(strings.ToUpper(strings.TrimSpace(s))) {
	case PermWrite:
		return PermWrite
	case PermOwner:
		return PermOwner
	default:
		return PermRead
	}
}

// CanWrite reports whether the level may mutate document state.
func (p Permission) CanWrite() bool { return p == PermWrite || p == PermOwner }

// Identity is an authenticated user admitted to one document.
type Identity struct {
	UserID     string     `json:"userId"`
	FirstName  string     `json:"firstName"`
	LastName   string     `json:"lastName"`
	Email      string     `json:"email"`
	DocumentID string     `json:"-"`
	Permission Permission `json:"permission"`
}

// Participant is one live connection's view of a user inside a room.
type Participant struct {
	ConnectionID string          `json:"connectionId"`
	UserID       string          `json:"userId"`
	FirstName    string          `json:"firstName"`
	LastName     string          `json:"lastName"`
	Email        string          `json:"email"`
	Permission   Permission      `json:"permission"`
	Color        string          `json:"color"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
}

func NewParticipant(connID string, id Identity) Participant {
	return Participant{
		ConnectionID: connID,
		UserID:       id.UserID,
		FirstName:    id.FirstName,
		LastName:     id.LastName,
		Email:        id.Email,
		Permission:   id.Permission,
	}
}

/*** Real-time channel frames ***/
const (
	FrameJoinDocument = "join-document"
	FrameInitialState = "initial-state"
	FrameUsers        = "users"
	FrameUpdate       = "yjs-update"
	FrameCursorUpdate = "cursor-update"
	FrameAwareness    = "awareness-update"
	FrameSave         = "save"
	FrameError        = "error"
)

// Error codes sent in "error" frames.
const (
	ErrCodeExpectedJoin     = "expected_join"
	ErrCodeDocumentMismatch = "document_mismatch"
	ErrCodeLoadFailed       = "load_failed"
	ErrCodeReadOnly         = "read_only"
	ErrCodeMalformedUpdate  = "malformed_update"
	ErrCodeSaveFailed       = "save_failed"
	ErrCodeUnknownType      = "unknown_type"
	ErrCodeRoomClosed       = "room_closed"
)

type WSFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// InboundFrame keeps the payload raw so each handler decodes its own shape.
type InboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinDocument struct {
	DocumentID string `json:"documentId"`
}

type InitialState struct {
	Snapshot   []byte     `json:"snapshot"`
	Permission Permission `json:"permission"`
}

type CursorUpdate struct {
	DocumentID string          `json:"documentId"`
	Cursor     json.RawMessage `json:"cursor"`
}

// Awareness is broadcast on cursor moves; a nil Cursor clears the connection's presence.
type Awareness struct {
	ConnectionID string          `json:"connectionId"`
	User         Participant     `json:"user"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
}

type SaveAck struct{}
