package models

import (
	"encoding/json"
	"time"
)

type EventName string

const (
	// Client -> server
	EventJoinRoom  EventName = "join-collab-room"
	EventLeaveRoom EventName = "leave-collab-room"

	// Server -> client
	EventCurrentUsers EventName = "current-users"
	EventUserJoined   EventName = "user-joined"
	EventUserLeft     EventName = "user-left"
	EventJoinError    EventName = "join-error"
	EventError        EventName = "error"

	// Both directions
	EventCursorMove   EventName = "cursor-move"
	EventCollabUpdate EventName = "collab-update"
)

// Frame is the envelope of every websocket text message.
type Frame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewFrame(event EventName, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

type UpdateType string

const (
	UpdateContent   UpdateType = "content"
	UpdateCursor    UpdateType = "cursor"
	UpdateSelection UpdateType = "selection"
)

func (t UpdateType) Valid() bool {
	switch t {
	case UpdateContent, UpdateCursor, UpdateSelection:
		return true
	}
	return false
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Cursor struct {
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	Selection *Selection `json:"selection,omitempty"`
}

type JoinRoomRequest struct {
	DocumentID  string `json:"documentId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
}

type LeaveRoomRequest struct {
	DocumentID string `json:"documentId"`
}

type CursorMoveRequest struct {
	DocumentID string `json:"documentId"`
	Cursor     Cursor `json:"cursor"`
	IsTyping   bool   `json:"isTyping"`
}

type CollabUpdateRequest struct {
	Type       UpdateType      `json:"type"`
	DocumentID string          `json:"documentId"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
}

type RosterEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MemberEvent is the payload of user-joined and user-left.
type MemberEvent struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type CursorMoveEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Cursor   Cursor `json:"cursor"`
	IsTyping bool   `json:"isTyping"`
}

// CollabUpdate is the fan-out form of a collab-update. PageID carries the document ID.
type CollabUpdate struct {
	Type      UpdateType      `json:"type"`
	PageID    string          `json:"pageId"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type JoinErrorEvent struct {
	DocumentID  string `json:"documentId"`
	WorkspaceID string `json:"workspaceId"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Millis returns t as a unix millisecond timestamp, the unit used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
