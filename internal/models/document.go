package models

import "time"

type Document struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ActiveSession is the audit row of one room membership.
type ActiveSession struct {
	UserID      string    `json:"userId"`
	DocumentID  string    `json:"documentId"`
	WorkspaceID string    `json:"workspaceId"`
	SessionID   string    `json:"sessionId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type RoomPresence struct {
	DocumentID  string        `json:"documentId"`
	WorkspaceID string        `json:"workspaceId"`
	Users       []RosterEntry `json:"users"`
	Connections int           `json:"connections"`
}
