package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gira/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// Broadcast channels.
const (
	ChannelSessionState = "session.state_changed"
	ChannelGiraEvent    = "gira.event"
)

// WSMessage is the envelope for every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsInbound defers payload decoding until the frame type is known.
type wsInbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Hub tracks WebSocket clients and the channels each one listens on.
// Broadcast never blocks on a slow client: a full send buffer drops the frame.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu        sync.Mutex
	clients   map[*WSClient]struct{}
	listeners map[string]map[*WSClient]struct{}
}

// WSClient is one upgraded connection.
type WSClient struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// NewHub creates an empty hub. Call Run to tie its lifetime to a context.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:       cfg,
		logger:    logger,
		clients:   make(map[*WSClient]struct{}),
		listeners: make(map[string]map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) add(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// remove drops c from every channel and stops its writer. Safe to call
// more than once.
func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	for ch, set := range h.listeners {
		delete(set, c)
		if len(set) == 0 {
			delete(h.listeners, ch)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	if present {
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

func (h *Hub) listen(c *WSClient, channels []string, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	for _, ch := range channels {
		set := h.listeners[ch]
		switch {
		case on && set == nil:
			h.listeners[ch] = map[*WSClient]struct{}{c: {}}
		case on:
			set[c] = struct{}{}
		case set != nil:
			delete(set, c)
			if len(set) == 0 {
				delete(h.listeners, ch)
			}
		}
	}
}

// Broadcast sends an event frame to every client listening on channel.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	h.mu.Lock()
	recipients := make([]*WSClient, 0, len(h.listeners[channel]))
	for c := range h.listeners[channel] {
		recipients = append(recipients, c)
	}
	h.mu.Unlock()

	for _, c := range recipients {
		c.enqueue(data)
	}
	if len(recipients) > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", len(recipients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		done: make(chan struct{}),
	}
	s.hub.add(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (c *WSClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // A failed deadline surfaces as a read error
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // A failed deadline surfaces as a read error
		extend()
		c.dispatch(frame)
	}
}

func (c *WSClient) writeLoop(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // A failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			//nolint:errcheck // Peer may already be gone
			write(websocket.CloseMessage, nil)
			return
		case data := <-c.send:
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) dispatch(frame []byte) {
	var in wsInbound
	if err := json.Unmarshal(frame, &in); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch in.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(in.Payload) == 0 || json.Unmarshal(in.Payload, &sub) != nil {
			c.reply(in.ID, WSTypeError, errorPayload("invalid "+in.Type+" payload"))
			return
		}
		on := in.Type == WSTypeSubscribe
		c.hub.listen(c, sub.Channels, on)

		key := "unsubscribed"
		if on {
			key = "subscribed"
			c.hub.logger.Debug("websocket client subscribed", "channels", sub.Channels)
		}
		c.reply(in.ID, WSTypeResponse, map[string]any{key: sub.Channels})
	case WSTypePing:
		c.reply(in.ID, WSTypePong, nil)
	default:
		c.reply(in.ID, WSTypeError, errorPayload("unknown message type: "+in.Type))
	}
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}

// enqueue hands data to the writer unless the client is gone or its
// buffer is full.
func (c *WSClient) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}
