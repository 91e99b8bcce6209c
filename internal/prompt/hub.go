// internal/prompt/hub.go
package prompt

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/messaging"
	"github.com/xkilldash9x/pagepilot/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
	// Upper bound for a start request to be answered.
	requestTimeout = 30 * time.Second
)

// Message types exchanged with websocket clients.
const (
	TypeConnectionEstablished = "connection_established"
	TypeStart                 = "start"
	TypeStartResult           = "start_result"
	TypeStop                  = "stop"
	TypeReply                 = "reply"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeEvent                 = "event"
	TypeError                 = "error"
)

// ClientMessage is what a websocket client sends.
type ClientMessage struct {
	Type      string `json:"type"`
	Objective string `json:"objective,omitempty"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Response  string `json:"response,omitempty"`
}

// ServerMessage is what the hub sends to clients. Bus traffic is relayed as
// TypeEvent with the envelope kind and payload.
type ServerMessage struct {
	Type     string          `json:"type"`
	ClientID string          `json:"clientId,omitempty"`
	Kind     protocol.Kind   `json:"kind,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	// Buffered channel of outbound messages.
	send chan []byte
}

// queue hands msg to the write pump. It reports false when the client is
// gone or too slow to keep up.
func (c *Client) queue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("Failed to marshal client message", zap.Error(err))
		return
	}
	c.queue(data)
}

// readPump pumps messages from the websocket connection to the bus.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error", zap.Error(err))
			}
			break
		}
		c.hub.logger.Debug("Received message from client.", zap.String("client_id", c.id), zap.ByteString("message", message))

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(ServerMessage{Type: TypeError, Message: "Invalid JSON format"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg ClientMessage) {
	ctx, cancel := context.WithTimeout(c.hub.context(), requestTimeout)
	defer cancel()

	switch msg.Type {
	case TypePing:
		c.reply(ServerMessage{Type: TypePong})
	case TypeStart:
		c.hub.logger.Info("Received objective via WebSocket.", zap.String("client_id", c.id), zap.String("objective", msg.Objective))
		res, err := c.hub.controls.Start(ctx, msg.Objective)
		if err != nil {
			c.reply(ServerMessage{Type: TypeError, Message: err.Error()})
			return
		}
		payload, _ := json.Marshal(res)
		c.reply(ServerMessage{Type: TypeStartResult, Payload: payload})
	case TypeStop:
		if err := c.hub.controls.Stop(ctx, msg.Reason); err != nil {
			c.reply(ServerMessage{Type: TypeError, Message: err.Error()})
		}
	case TypeReply:
		if err := c.hub.controls.Reply(ctx, msg.SessionID, msg.Response); err != nil {
			c.reply(ServerMessage{Type: TypeError, Message: err.Error()})
		}
	default:
		c.reply(ServerMessage{Type: TypeError, Message: "Unknown message type: " + msg.Type})
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON document per frame.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Hub is the websocket prompt surface. It owns the prompt mailbox and relays
// everything the coordinator says to every connected client.
type Hub struct {
	bus      *messaging.Bus
	controls *Controls
	logger   *zap.Logger
	upgrader websocket.Upgrader

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	ctx        context.Context
}

// NewHub creates a Hub. An empty origin list accepts every origin.
func NewHub(bus *messaging.Bus, cfg config.ServerConfig, logger *zap.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		controls:   NewControls(bus, protocol.AddrPrompt),
		logger:     logger.Named("ws_hub"),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		ctx:        context.Background(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		if len(set) == 0 || set["*"] {
			return true
		}
		origin := r.Header.Get("Origin")
		// Non-browser clients send no origin.
		return origin == "" || set[origin]
	}
}

func (h *Hub) context() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

// ActiveConnections is the number of connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run registers the prompt mailbox and serves clients until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	mailbox, release := h.bus.Register(protocol.AddrPrompt)
	defer release()
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	h.logger.Info("WebSocket hub started.")
	defer h.logger.Info("WebSocket hub stopped.")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return ctx.Err()
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("New WebSocket client connected.", zap.String("client_id", client.id))
			client.reply(ServerMessage{Type: TypeConnectionEstablished, ClientID: client.id})
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.logger.Info("WebSocket client disconnected.", zap.String("client_id", client.id))
			}
			h.mu.Unlock()
		case env, ok := <-mailbox:
			if !ok {
				return nil
			}
			h.relay(env)
		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) relay(env protocol.Envelope) {
	data, err := json.Marshal(ServerMessage{Type: TypeEvent, Kind: env.Kind, Payload: env.Payload})
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	h.fanOut(data)
}

func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.queue(message) {
			client.close()
			delete(h.clients, client)
			h.logger.Warn("Dropping slow WebSocket client.", zap.String("client_id", client.id))
		}
	}
}

// BroadcastMessage sends a message to all connected clients.
func (h *Hub) BroadcastMessage(message interface{}) error {
	jsonMessage, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return err
	}
	select {
	case h.broadcast <- jsonMessage:
		return nil
	case <-h.done:
		return messaging.ErrShutdown
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	client := &Client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
