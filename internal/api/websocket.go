package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/lifeline/internal/aggregator"
	"github.com/banshee-data/lifeline/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// clientBuffer alerts may queue per client before the client is dropped.
	clientBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from a different port in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// alertHub fans fired alerts out to websocket clients. A slow client
// whose queue fills is disconnected rather than stalling the others.
type alertHub struct {
	mu      sync.Mutex
	clients map[string]chan []byte
	closed  bool
}

func newAlertHub() *alertHub {
	return &alertHub{clients: make(map[string]chan []byte)}
}

func (h *alertHub) add() (string, chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", nil, false
	}
	id := uuid.NewString()
	ch := make(chan []byte, clientBuffer)
	h.clients[id] = ch
	return id, ch, true
}

func (h *alertHub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
}

func (h *alertHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *alertHub) broadcast(a aggregator.Alert) {
	msg, err := json.Marshal(map[string]interface{}{"type": "alert", "alert": a})
	if err != nil {
		monitoring.Logf("[api] failed to encode alert %s: %v", a.ID, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			monitoring.Logf("[api] websocket client %s too slow, dropping", id)
			delete(h.clients, id)
			close(ch)
		}
	}
}

func (h *alertHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
}

func (s *Server) alertsSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		monitoring.Logf("[api] websocket upgrade failed: %v", err)
		return
	}
	id, send, ok := s.hub.add()
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	monitoring.Logf("[api] websocket client %s connected", id)

	go s.writePump(conn, send)
	s.readPump(conn, id)
}

// readPump discards client messages; it exists to notice disconnects and
// handle pongs.
func (s *Server) readPump(conn *websocket.Conn, id string) {
	defer func() {
		s.hub.remove(id)
		conn.Close()
		monitoring.Logf("[api] websocket client %s disconnected", id)
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on conn.
func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
