package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/braille.touch/internal/monitoring"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// browser viewers are served from other origins
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request to a WebSocket, sends the latest matrix if
// one has been decoded, then streams every broadcast event to it as a text
// message until either side goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		monitoring.Logf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	id, messages := h.Register()
	defer h.Unregister(id)
	monitoring.Debugf("websocket client %s connected from %s", id, r.RemoteAddr)

	if payload := h.snapshot(); payload != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			monitoring.Debugf("websocket client %s write failed: %v", id, err)
			return
		}
	}

	// the reader only exists to notice the peer closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload, ok := <-messages:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				monitoring.Debugf("websocket client %s write failed: %v", id, err)
				return
			}
		case <-gone:
			monitoring.Debugf("websocket client %s disconnected", id)
			return
		case <-r.Context().Done():
			return
		}
	}
}
