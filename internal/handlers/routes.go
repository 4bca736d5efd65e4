package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter mounts the HTTP surface. A nil auth handler leaves /login and
// /register unmounted.
func NewRouter(authHandlers *AuthHandlers, wsHandlers *WebSocketHandlers, presenceHandlers *PresenceHandlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	if authHandlers != nil {
		r.HandleFunc("/login", authHandlers.Login).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/register", authHandlers.Register).Methods(http.MethodPost, http.MethodOptions)
	}

	r.HandleFunc("/ws", wsHandlers.HandleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/documents/{documentId}/presence", presenceHandlers.GetPresence).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
