package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ticket-queue/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

type client struct {
	id      string
	eventID string
	userID  string
	conn    *websocket.Conn
	send    chan []byte
}

// Hub tracks the WebSocket connections on this instance, grouped by event.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		rooms:  make(map[string]map[*client]struct{}),
	}
}

// Serve upgrades the request and keeps the connection registered until the
// client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, eventID, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		id:      uuid.NewString(),
		eventID: eventID,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}
	h.register(c)
	h.logger.Debug("WebSocket connected", "client_id", c.id, "event_id", eventID, "user_id", userID)

	go h.writePump(c)
	h.readPump(c)

	h.unregister(c)
	h.logger.Debug("WebSocket disconnected", "client_id", c.id, "event_id", eventID, "user_id", userID)
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.eventID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.eventID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.eventID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.eventID)
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Deliver sends msg to every connection the addressed user holds for the event
// and returns how many received it. Slow clients are skipped.
func (h *Hub) Deliver(msg models.QueueMessage) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("Failed to encode queue message", "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.rooms[msg.EventID] {
		if c.userID != msg.UserID {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			h.logger.Warn("Dropping message for slow client", "client_id", c.id, "user_id", c.userID)
		}
	}
	return delivered
}

// Notify delivers locally. Use it when a single instance serves every connection.
func (h *Hub) Notify(_ context.Context, msg models.QueueMessage) error {
	h.Deliver(msg)
	return nil
}

// Connections reports how many clients are connected for eventID.
func (h *Hub) Connections(eventID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[eventID])
}
