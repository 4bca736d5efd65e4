package handlers

import (
	"errors"
	"net/http"

	"mneumonicore/internal/models"
	"mneumonicore/internal/services"
	ws "mneumonicore/internal/websocket"
	"mneumonicore/pkg/logger"

	"github.com/gorilla/mux"
)

type PresenceHandlers struct {
	identity    Identifier
	docs        JoinAuthorizer
	coordinator *ws.Coordinator
}

func NewPresenceHandlers(identity Identifier, docs JoinAuthorizer, coordinator *ws.Coordinator) *PresenceHandlers {
	return &PresenceHandlers{
		identity:    identity,
		docs:        docs,
		coordinator: coordinator,
	}
}

// GetPresence serves GET /documents/{documentId}/presence?workspaceId=.
func (h *PresenceHandlers) GetPresence(w http.ResponseWriter, r *http.Request) {
	if _, err := h.identity.Identify(r.Context(), tokenFromRequest(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	documentID := mux.Vars(r)["documentId"]
	workspaceID := r.URL.Query().Get("workspaceId")
	if documentID == "" || workspaceID == "" {
		http.Error(w, "documentId and workspaceId are required", http.StatusBadRequest)
		return
	}

	if err := h.docs.AuthorizeJoin(r.Context(), documentID, workspaceID); err != nil {
		if errors.Is(err, services.ErrStaleJoin) {
			http.Error(w, "document does not belong to this workspace", http.StatusForbidden)
			return
		}
		logger.Error("Presence lookup error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	presence, ok := h.coordinator.Presence(documentID, workspaceID)
	if !ok {
		presence = models.RoomPresence{DocumentID: documentID, WorkspaceID: workspaceID, Users: []models.RosterEntry{}}
	}

	writeJSON(w, http.StatusOK, presence)
}
