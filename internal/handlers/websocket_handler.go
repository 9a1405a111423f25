package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"droptracker/internal/cache"
	"droptracker/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

const (
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 32
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	players map[int64]bool // nil means every player
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue never blocks. It reports false when the client is gone or too slow.
func (c *wsClient) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) follow(playerID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if playerID == 0 {
		c.players = nil
		return
	}
	if c.players == nil {
		c.players = make(map[int64]bool)
	}
	c.players[playerID] = true
}

func (c *wsClient) wants(playerID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.players == nil || c.players[playerID]
}

// WebSocketHandler pushes stats updates to connected clients. RunHub must be
// running for connections to be accepted.
type WebSocketHandler struct {
	upgrader   websocket.Upgrader
	clients    map[*wsClient]bool
	broadcast  chan cache.Update
	register   chan *wsClient
	unregister chan *wsClient
	stopped    chan struct{}
	log        *slog.Logger
}

func NewWebSocketHandler() *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan cache.Update, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopped:    make(chan struct{}),
		log:        logging.Component("websocket"),
	}
}

// HandleConnections upgrades the request and serves the connection until
// either side closes it.
// @Summary Live stats feed
// @Description Streams stats_updated messages; send {"type":"subscribe","player_id":N} to filter
// @Tags stats
// @Router /ws [get]
func (h *WebSocketHandler) HandleConnections(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}

	client := &wsClient{
		conn: ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	select {
	case h.register <- client:
	case <-h.stopped:
		ws.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

func (h *WebSocketHandler) readPump(client *wsClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.stopped:
		}
		client.close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg struct {
			Type     string `json:"type"`
			PlayerID int64  `json:"player_id"`
		}
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", "error", err)
			}
			return
		}

		var reply map[string]interface{}
		switch msg.Type {
		case "subscribe":
			client.follow(msg.PlayerID)
			reply = map[string]interface{}{
				"type":      "subscribed",
				"player_id": msg.PlayerID,
				"timestamp": time.Now().Unix(),
			}
		case "ping":
			reply = map[string]interface{}{
				"type": "pong",
				"time": time.Now().Unix(),
			}
		default:
			reply = map[string]interface{}{
				"type":      "error",
				"message":   "Unknown message type",
				"timestamp": time.Now().Unix(),
			}
		}

		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if !client.enqueue(data) {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.close()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.close()
				return
			}
		}
	}
}

// RunHub owns the client set until ctx is done.
func (h *WebSocketHandler) RunHub(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.close()
			}
			h.log.Info("websocket hub stopped", "clients", len(h.clients))
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("client registered", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.log.Debug("client unregistered", "clients", len(h.clients))
			}

		case update := <-h.broadcast:
			data, err := json.Marshal(update)
			if err != nil {
				h.log.Error("marshal update", "error", err)
				continue
			}
			for client := range h.clients {
				if !client.wants(update.PlayerID) {
					continue
				}
				if !client.enqueue(data) {
					h.log.Debug("dropping slow websocket client")
					delete(h.clients, client)
					client.close()
				}
			}
		}
	}
}

// BroadcastUpdate queues an update for every interested client.
func (h *WebSocketHandler) BroadcastUpdate(ctx context.Context, update cache.Update) {
	select {
	case h.broadcast <- update:
	case <-h.stopped:
	case <-ctx.Done():
	}
}

// Relay forwards updates published on the cache store to websocket clients
// until ctx is done or the subscription closes.
func (h *WebSocketHandler) Relay(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var update cache.Update
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				h.log.Warn("malformed update message", "channel", msg.Channel, "error", err)
				continue
			}
			h.BroadcastUpdate(ctx, update)
		}
	}
}
