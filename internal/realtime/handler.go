package realtime

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/markb/huddle/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// HandleWebSocket upgrades the request and starts the connection pumps.
// An access_token query parameter registers the connection immediately;
// otherwise it stays anonymous until a register frame arrives.
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")

	// Reject bad handshake tokens before upgrading so the client sees a 401.
	var userID string
	if token != "" {
		if s.resolver == nil {
			http.Error(w, "authentication not configured", http.StatusUnauthorized)
			return
		}
		var err error
		userID, err = s.resolver.ResolveUser(r.Context(), token)
		if err != nil {
			log.Debug("realtime: handshake token rejected", "error", err.Error())
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("realtime: upgrade failed", "error", err.Error())
		return
	}

	conn := s.NewConn(ws)
	if userID != "" {
		if err := s.RegisterUser(conn.ID(), userID); err != nil {
			log.Warn("realtime: handshake registration failed", "conn_id", conn.ID(), "error", err.Error())
		}
	}
	log.Debug("realtime: new connection", "conn_id", conn.ID(), "user_id", userID)

	go conn.WritePump()
	go conn.ReadPump()
}
