package notify

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	readLimitBytes = 4 * 1024
	pongWait       = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Session identity is the user id; origin checks belong to the fronting
	// proxy that terminates auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades websocket requests and registers the connection with the
// hub. The user is identified by the user_id query parameter supplied by the
// authenticating front end.
func Handler(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if _, err := uuid.Parse(userID); err != nil {
			http.Error(w, "user_id must be a valid UUID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if logger != nil {
				logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
			}
			return
		}

		session := hub.Register(userID, conn)
		go readLoop(hub, session, conn, logger)
	}
}

// readLoop drains inbound frames so pings and close frames are processed. The
// session is unregistered when the client goes away.
func readLoop(hub *Hub, session *Session, conn *websocket.Conn, logger *slog.Logger) {
	defer hub.Unregister(session)

	conn.SetReadLimit(readLimitBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if logger != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}
