package tunnel

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler accepts WebSocket connections on the reserved path and serves
// tunneled HTTP requests over them. Frames are processed one at a time per
// connection, which keeps reply ordering trivial.
type Handler struct {
	upgrader websocket.Upgrader
	dispatch http.Handler
}

// NewHandler creates a Handler that dispatches tunneled requests through the
// given handler chain. Origin checks are left to the dispatch chain's CORS
// rules, which apply to tunneled responses the same as to direct ones.
func NewHandler(dispatch http.Handler) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dispatch: dispatch,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("tunnel: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			// A malformed frame fails alone; the connection survives.
			reply := Response{Done: true, Error: "malformed frame: " + err.Error()}
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
			continue
		}

		if err := conn.WriteJSON(perform(h.dispatch, req)); err != nil {
			return
		}
	}
}
