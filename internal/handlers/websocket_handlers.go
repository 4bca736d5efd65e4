package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"mneumonicore/internal/config"
	"mneumonicore/internal/database"
	"mneumonicore/internal/models"
	"mneumonicore/internal/services"
	ws "mneumonicore/internal/websocket"
	"mneumonicore/pkg/logger"

	"github.com/gorilla/websocket"
)

const auditTimeout = 3 * time.Second

// JoinAuthorizer checks that a document may be collaborated on in a workspace.
type JoinAuthorizer interface {
	AuthorizeJoin(ctx context.Context, documentID, workspaceID string) error
}

type WebSocketHandlers struct {
	identity    Identifier
	docs        JoinAuthorizer
	coordinator *ws.Coordinator
	sessions    database.SessionRepository
	cfg         config.WebSocketConfig
	upgrader    websocket.Upgrader
}

// NewWebSocketHandlers wires the collaboration transport. sessions may be nil,
// which turns off the membership audit.
func NewWebSocketHandlers(identity Identifier, docs JoinAuthorizer, coordinator *ws.Coordinator, sessions database.SessionRepository, cfg config.WebSocketConfig) *WebSocketHandlers {
	return &WebSocketHandlers{
		identity:    identity,
		docs:        docs,
		coordinator: coordinator,
		sessions:    sessions,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket serves GET /ws?token=&userId=&workspaceId=&documentId=.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identity.Identify(r.Context(), tokenFromRequest(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	if userID := query.Get("userId"); userID != "" && userID != identity.UserID {
		http.Error(w, "userId does not match token", http.StatusUnauthorized)
		return
	}
	meta := ws.HandshakeMeta{
		WorkspaceID: query.Get("workspaceId"),
		DocumentID:  query.Get("documentId"),
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewConnection(conn, *identity, meta, h.cfg)
	logger.Debug("Connection %s opened by %s (workspace=%s document=%s)", client.ID(), identity.UserID, meta.WorkspaceID, meta.DocumentID)

	go client.WritePump()
	client.ReadPump(
		func(message []byte) { h.dispatch(client, message) },
		func() { h.disconnect(client) },
	)
}

func (h *WebSocketHandlers) dispatch(client *ws.Connection, message []byte) {
	var frame models.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		h.replyError(client, "bad_request", "invalid frame")
		return
	}

	switch frame.Event {
	case models.EventJoinRoom:
		var req models.JoinRoomRequest
		if !h.decode(client, frame, &req) {
			return
		}
		h.handleJoin(client, req)

	case models.EventLeaveRoom:
		var req models.LeaveRoomRequest
		if !h.decode(client, frame, &req) {
			return
		}
		if m, ok := h.coordinator.Leave(client.ID(), req.DocumentID); ok {
			h.auditLeave(m)
		}

	case models.EventCursorMove:
		var req models.CursorMoveRequest
		if !h.decode(client, frame, &req) {
			return
		}
		if err := h.coordinator.CursorMove(client.ID(), req); err != nil {
			h.replyRelayError(client, err)
		}

	case models.EventCollabUpdate:
		var req models.CollabUpdateRequest
		if !h.decode(client, frame, &req) {
			return
		}
		if !req.Type.Valid() {
			h.replyError(client, "bad_request", "unknown update type")
			return
		}
		if err := h.coordinator.Relay(client.ID(), req); err != nil {
			h.replyRelayError(client, err)
		}

	default:
		h.replyError(client, "unknown_event", "unsupported event "+string(frame.Event))
	}
}

func (h *WebSocketHandlers) handleJoin(client *ws.Connection, req models.JoinRoomRequest) {
	identity := client.Identity()
	if req.DocumentID == "" || req.WorkspaceID == "" {
		h.replyJoinError(client, req, "bad_request", "documentId and workspaceId are required")
		return
	}
	if req.UserID != "" && req.UserID != identity.UserID {
		h.replyError(client, "forbidden", "userId does not match the authenticated user")
		return
	}
	req.UserID = identity.UserID
	if req.Username == "" {
		req.Username = identity.Username
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.docs.AuthorizeJoin(ctx, req.DocumentID, req.WorkspaceID); err != nil {
		if errors.Is(err, services.ErrStaleJoin) {
			logger.Info("Rejected stale join of %s to %s/%s", req.UserID, req.WorkspaceID, req.DocumentID)
			h.replyJoinError(client, req, "stale_join", err.Error())
			return
		}
		logger.Error("Join authorization failed: %v", err)
		h.replyJoinError(client, req, "internal_error", "could not verify document")
		return
	}

	m := h.coordinator.Join(client, req)
	h.auditJoin(m)
}

func (h *WebSocketHandlers) disconnect(client *ws.Connection) {
	left := h.coordinator.LeaveAll(client.ID())
	if len(left) > 0 && h.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		if err := h.sessions.RemoveSessionsForConnection(ctx, client.ID()); err != nil {
			logger.Error("Error removing active sessions for %s: %v", client.ID(), err)
		}
	}
	logger.Debug("Connection %s closed after leaving %d rooms", client.ID(), len(left))
}

func (h *WebSocketHandlers) auditJoin(m ws.Membership) {
	if h.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	err := h.sessions.CreateActiveSession(ctx, &models.ActiveSession{
		UserID:      m.UserID,
		DocumentID:  m.Key.DocumentID,
		WorkspaceID: m.Key.WorkspaceID,
		SessionID:   m.ConnID,
	})
	if err != nil {
		logger.Error("Error creating active session: %v", err)
	}
}

func (h *WebSocketHandlers) auditLeave(m ws.Membership) {
	if h.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := h.sessions.RemoveActiveSession(ctx, m.Key.DocumentID, m.ConnID); err != nil {
		logger.Error("Error removing active session: %v", err)
	}
}

func (h *WebSocketHandlers) decode(client *ws.Connection, frame models.Frame, v interface{}) bool {
	if err := json.Unmarshal(frame.Data, v); err != nil {
		h.replyError(client, "bad_request", "invalid "+string(frame.Event)+" payload")
		return false
	}
	return true
}

func (h *WebSocketHandlers) replyRelayError(client *ws.Connection, err error) {
	if errors.Is(err, ws.ErrNotJoined) {
		h.replyError(client, "not_joined", err.Error())
		return
	}
	logger.Error("Relay error on %s: %v", client.ID(), err)
	h.replyError(client, "internal_error", "relay failed")
}

func (h *WebSocketHandlers) replyJoinError(client *ws.Connection, req models.JoinRoomRequest, code, message string) {
	frame, err := models.NewFrame(models.EventJoinError, models.JoinErrorEvent{
		DocumentID:  req.DocumentID,
		WorkspaceID: req.WorkspaceID,
		Code:        code,
		Message:     message,
	})
	if err == nil {
		_ = client.Send(frame)
	}
}

func (h *WebSocketHandlers) replyError(client *ws.Connection, code, message string) {
	frame, err := models.NewFrame(models.EventError, models.ErrorEvent{Code: code, Message: message})
	if err == nil {
		_ = client.Send(frame)
	}
}
