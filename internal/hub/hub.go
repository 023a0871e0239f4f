// Package hub is the websocket broadcast gateway: it owns connections, their
// group memberships and per-connection send buffers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bustrack/internal/auth"
	"bustrack/internal/logger"
	"bustrack/internal/model"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192

	// SendBuffer is the per-connection outbound queue; a full queue drops frames for that connection only.
	SendBuffer = 256

	handlerTimeout = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is the frame format in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Authenticator maps a bearer token (possibly empty) to an identity.
type Authenticator func(token string) model.Identity

// MessageHandler runs once per inbound frame.
type MessageHandler func(ctx context.Context, c *Client, msgType string, data json.RawMessage) error

// DisconnectHandler runs once after a connection is removed.
type DisconnectHandler func(c *Client)

// Metrics is optional.
type Metrics interface {
	FrameDropped()
	Connections(n int)
}

type Client struct {
	ID       string
	Identity model.Identity
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	groups   map[string]struct{}
}

type Options struct {
	Auth         Authenticator
	OnMessage    MessageHandler
	OnDisconnect DisconnectHandler
	Metrics      Metrics
	Log          *logger.Logger
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[string]*Client

	auth         Authenticator
	onMessage    MessageHandler
	onDisconnect DisconnectHandler
	metrics      Metrics
	log          *logger.Logger

	baseCtx context.Context
}

func New(opts Options) *Hub {
	if opts.Auth == nil {
		opts.Auth = func(string) model.Identity { return model.Anonymous }
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	return &Hub{
		clients:      make(map[string]*Client),
		groups:       make(map[string]map[string]*Client),
		auth:         opts.Auth,
		onMessage:    opts.OnMessage,
		onDisconnect: opts.OnDisconnect,
		metrics:      opts.Metrics,
		log:          opts.Log,
		baseCtx:      context.Background(),
	}
}

// SetMessageHandler replaces the inbound frame handler. Call before serving.
func (h *Hub) SetMessageHandler(fn MessageHandler) { h.onMessage = fn }

// SetDisconnectHandler replaces the disconnect hook. Call before serving.
func (h *Hub) SetDisconnectHandler(fn DisconnectHandler) { h.onDisconnect = fn }

// Run blocks until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.baseCtx = ctx
	h.mu.Unlock()

	<-ctx.Done()

	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.remove(id)
	}
	h.log.Info(logger.Entry{Action: "hub_stopped", Message: "websocket hub stopped", Additional: map[string]any{"closed": len(ids)}})
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Join adds connID to group. Unknown connections are ignored.
func (h *Hub) Join(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]*Client)
		h.groups[group] = members
	}
	members[connID] = c
	c.groups[group] = struct{}{}
}

func (h *Hub) Leave(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, group)
}

func (h *Hub) leaveLocked(connID, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if c, ok := h.clients[connID]; ok {
		delete(c.groups, group)
	}
}

// GroupSize returns the number of members in group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Publish sends an event to every member of group.
func (h *Hub) Publish(group, event string, payload any) {
	msg, err := json.Marshal(outbound{Type: event, Data: payload})
	if err != nil {
		h.log.Error(logger.Entry{Action: "publish_marshal_failed", Message: event, Error: logger.Err(err)})
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.groups[group] {
		h.enqueue(c, msg)
	}
}

// Send delivers an event to a single connection.
func (h *Hub) Send(connID, event string, payload any) {
	msg, err := json.Marshal(outbound{Type: event, Data: payload})
	if err != nil {
		h.log.Error(logger.Entry{Action: "send_marshal_failed", Message: event, ConnectionID: connID, Error: logger.Err(err)})
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[connID]; ok {
		h.enqueue(c, msg)
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		if h.metrics != nil {
			h.metrics.FrameDropped()
		}
		h.log.Warn(logger.Entry{Action: "frame_dropped", Message: "send buffer full", ConnectionID: c.ID})
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.Connections(n)
	}
	h.log.Info(logger.Entry{
		Action:       "client_registered",
		Message:      "websocket client connected",
		ConnectionID: c.ID,
		Additional:   map[string]any{"user_id": c.Identity.UserID, "role": c.Identity.Role.String()},
	})
}

// remove drops the connection and its memberships, closes its send queue and
// runs the disconnect hook. Safe to call more than once.
func (h *Hub) remove(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for group := range c.groups {
		h.leaveLocked(connID, group)
	}
	delete(h.clients, connID)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Connections(n)
	}
	h.log.Info(logger.Entry{Action: "client_unregistered", Message: "websocket client disconnected", ConnectionID: connID})
	if h.onDisconnect != nil {
		h.onDisconnect(c)
	}
}

func (h *Hub) baseContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.baseCtx
}

func newClient(h *Hub, conn *websocket.Conn, id model.Identity) *Client {
	return &Client{
		ID:       uuid.NewString(),
		Identity: id,
		conn:     conn,
		send:     make(chan []byte, SendBuffer),
		hub:      h,
		groups:   make(map[string]struct{}),
	}
}

// ServeWS upgrades the request. The token comes from the Authorization
// header or the access_token query parameter; without one the client is anonymous.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	identity := h.auth(token)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(logger.Entry{Action: "ws_upgrade_failed", Message: "websocket upgrade failed", Error: logger.Err(err)})
		return
	}

	c := newClient(h, conn, identity)
	h.add(c)

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c.ID)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Error(logger.Entry{Action: "ws_read_error", Message: "websocket read failed", ConnectionID: c.ID, Error: logger.Err(err)})
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			c.hub.log.Warn(logger.Entry{
				Action:       "ws_parse_message_error",
				Message:      "malformed frame",
				ConnectionID: c.ID,
				Error:        logger.Err(err),
			})
			c.hub.Send(c.ID, "Error", map[string]string{"code": "INVALID_MESSAGE", "message": "frame must be {\"type\",\"data\"}"})
			continue
		}

		if c.hub.onMessage == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.hub.baseContext(), handlerTimeout)
		err = c.hub.onMessage(ctx, c, env.Type, env.Data)
		cancel()
		if err != nil {
			c.hub.log.Error(logger.Entry{
				Action:       "ws_handle_message_error",
				Message:      "message handler failed",
				ConnectionID: c.ID,
				Error:        logger.Err(err),
				Additional:   map[string]any{"msg_type": env.Type},
			})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
