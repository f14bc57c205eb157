package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

// handleWS streams events over a WebSocket.
// GET /research/{id}/stream/ws
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	ch, ok := s.mgr.Subscribe(taskID, 256)
	if !ok {
		writeError(w, http.StatusNotFound, "validation_error", "unknown task")
		return
	}
	defer s.mgr.Unsubscribe(taskID, ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	since := lastEventID(r)
	terminal := false
	if task, ok := s.mgr.Get(taskID); ok && task.Terminal() {
		terminal = true
	}
	if since > 0 || terminal {
		for _, ev := range s.mgr.Streams().ReplaySince(taskID, since) {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
	if terminal {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task terminal"))
		return
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump discards client messages and surfaces disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
