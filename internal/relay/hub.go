// Package relay pushes server-side events (bot replies, lock changes,
// flag submissions) to connected browsers over websockets, grouped by
// chat.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"promptctf/webapi/internal/httputil"
	"promptctf/webapi/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// Event is the wire envelope for every relay push.
type Event struct {
	Event   string `json:"event"`
	ChatID  string `json:"chatId"`
	Payload any    `json:"payload,omitempty"`
}

type client struct {
	id     string
	chatID string
	conn   *websocket.Conn
	send   chan []byte
	// done signals teardown instead of closing send: Broadcast may hold
	// a snapshot of this client and send concurrently with removal, and
	// a send on a closed channel would panic in the sender.
	done chan struct{}
}

// Hub fans events out to the connections subscribed to each chat.
type Hub struct {
	mu       sync.RWMutex
	groups   map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	tracker  *metrics.SessionTracker
	log      zerolog.Logger
}

func NewHub(tracker *metrics.SessionTracker, log zerolog.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens in the resolver middleware; cross-origin
			// browsers are expected since the front-end is served
			// separately.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		tracker: tracker,
		log:     log,
	}
}

// Broadcast sends an event to every connection watching chatID. Slow
// consumers are dropped rather than allowed to stall the sender.
func (h *Hub) Broadcast(chatID, event string, payload any) {
	msg, err := json.Marshal(Event{Event: event, ChatID: chatID, Payload: payload})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to encode relay event")
		return
	}
	h.mu.RLock()
	group := h.groups[chatID]
	targets := make([]*client, 0, len(group))
	for c := range group {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			h.log.Warn().Str("chat_id", chatID).Msg("dropping slow relay consumer")
			h.remove(c)
		}
	}
}

// Serve upgrades the request and subscribes the connection to chatID
// until the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, chatID string) {
	logger := httputil.GetLogger(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		id:     uuid.NewString(),
		chatID: chatID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	group, ok := h.groups[chatID]
	if !ok {
		group = make(map[*client]struct{})
		h.groups[chatID] = group
	}
	group[c] = struct{}{}
	h.mu.Unlock()

	if h.tracker != nil {
		h.tracker.OnConnected(c.id)
	}
	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames (the relay is one-way) and tears the
// client down when the peer closes.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
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
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// remove unsubscribes and closes a client exactly once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	group, ok := h.groups[c.chatID]
	if ok {
		if _, present := group[c]; !present {
			ok = false
		} else {
			delete(group, c)
			if len(group) == 0 {
				delete(h.groups, c.chatID)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	close(c.done)
	c.conn.Close()
	if h.tracker != nil {
		h.tracker.OnDisconnected(c.id)
	}
}
