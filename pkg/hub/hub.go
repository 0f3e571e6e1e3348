// Package hub fans engine events out to connected dashboard websockets.
// Messages can target one user or the whole room.
package hub

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message is the frame format pushed to frontends.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type envelope struct {
	userID int64 // 0 targets everyone
	msg    Message
}

// Client wraps one websocket with a write mutex, since gorilla permits
// only one concurrent writer.
type Client struct {
	conn    *websocket.Conn
	userID  int64
	writeMu sync.Mutex
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub manages the client set. Run must be started before ServeWS
// accepts connections.
type Hub struct {
	mu         sync.Mutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	outbound   chan envelope
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

func New(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan envelope, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.Named("hub"),
	}
}

// Run owns the client registry until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Info("client connected", zap.Int64("user_id", client.userID))
		case client := <-h.unregister:
			h.drop(client)
		case env := <-h.outbound:
			h.deliver(env)
		}
	}
}

func (h *Hub) deliver(env envelope) {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if env.userID == 0 || client.userID == env.userID {
			targets = append(targets, client)
		}
	}
	h.mu.Unlock()

	// Writes happen outside the registry lock.
	for _, client := range targets {
		if err := client.writeJSON(env.msg); err != nil {
			h.log.Warn("client write failed, dropping",
				zap.Int64("user_id", client.userID), zap.Error(err))
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.conn.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
		delete(h.clients, client)
	}
}

// Broadcast queues a message for every connected client. A full queue
// drops the frame; dashboards resync from the next one.
func (h *Hub) Broadcast(msg Message) {
	h.push(envelope{msg: msg})
}

// Push queues a message for one user's connections.
func (h *Hub) Push(userID int64, msg Message) {
	h.push(envelope{userID: userID, msg: msg})
}

func (h *Hub) push(env envelope) {
	select {
	case h.outbound <- env:
	default:
		h.log.Warn("outbound queue full, frame dropped",
			zap.String("type", env.msg.Type))
	}
}

// ServeWS upgrades an HTTP request and registers the connection. The
// caller resolves userID from its own auth layer.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{conn: conn, userID: userID}
	h.register <- client

	// Reader loop only drains control frames and detects close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister <- client
				return
			}
		}
	}()
}
