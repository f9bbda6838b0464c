package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cuemixbridge/internal/mixer"
)

// ============================================================================
// UI WebSocket: hub + per-client pumps + change notifier
// ============================================================================
//
// This file implements:
//   - A Hub that tracks connected UI clients
//   - Per-client write pumps so one slow client doesn't block others
//   - A notifier that turns engine events and link status into broadcasts
//
// Messages are JSON text frames with an envelope: {type, payload}.
//   SINGLE_STATE_UPDATE   {key, state}
//   ACTIVE_DEVICE_UPDATE  {activeDevice}
//   WS_STATUS_UPDATE      {status}
//   FULL_STATE_UPDATE     {commands, activeOutputDevice}  (new client only)
//
// Slow clients are disconnected when their send buffer fills.
// ============================================================================

const (
	msgSingleState  = "SINGLE_STATE_UPDATE"
	msgActiveDevice = "ACTIVE_DEVICE_UPDATE"
	msgLinkStatus   = "WS_STATUS_UPDATE"
	msgFullState    = "FULL_STATE_UPDATE"
)

// envelope is the wire format envelope for UI messages.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type singleStatePayload struct {
	Key   string          `json:"key"`
	State mixer.Parameter `json:"state"`
}

type activeDevicePayload struct {
	ActiveDevice mixer.OutputDevice `json:"activeDevice"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type fullStatePayload struct {
	Commands           []mixer.CategoryView `json:"commands"`
	ActiveOutputDevice mixer.OutputDevice   `json:"activeOutputDevice"`
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
	onDrop  func()
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero means 32.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size. Zero means 128.
	BroadcastBuf int

	// OnDrop is called for every broadcast dropped on a full queue.
	OnDrop func()
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
		onDrop:     cfg.OnDrop,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ui hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ui hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ui client connected", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		c.closeSend()

		h.logger.Info("ui client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// BroadcastBytes enqueues a pre-serialized JSON frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		if h.onDrop != nil {
			h.onDrop()
		}
		h.logger.Warn("ui hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts a websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Debug("ui "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Debug("ui "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards incoming messages to detect disconnects and handle
// control frames, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// UI server: upgrade handler
// ============================================================================

type UIServer struct {
	logger *slog.Logger
	hub    *Hub
	store  *mixer.Store
}

func NewUIServer(logger *slog.Logger, hub *Hub, store *mixer.Store) *UIServer {
	return &UIServer{logger: logger, hub: hub, store: store}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades and registers a client, then queues FULL_STATE_UPDATE.
func (s *UIServer) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ui websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, c.Request.RemoteAddr, s.logger)

	// The full state goes in the queue before registration so it is the
	// first thing this client sees.
	msg, err := fullStateMessage(s.store)
	if err != nil {
		s.logger.Error("marshal full state", "error", err)
	} else {
		client.send <- msg
	}
	s.hub.register <- client

	// The pumps outlive the HTTP request; the hub and socket errors end them.
	go client.writePump()
	go client.readPump()
}

func fullStateMessage(store *mixer.Store) ([]byte, error) {
	return json.Marshal(envelope{
		Type: msgFullState,
		Payload: fullStatePayload{
			Commands:           store.Categories(),
			ActiveOutputDevice: store.ActiveDevice(),
		},
	})
}

// ============================================================================
// Notifier
// ============================================================================

// notifier implements mixer.Publisher on top of the hub.
type notifier struct {
	hub    *Hub
	logger *slog.Logger
}

var _ mixer.Publisher = (*notifier)(nil)

func newNotifier(hub *Hub, logger *slog.Logger) *notifier {
	return &notifier{hub: hub, logger: logger}
}

func (n *notifier) Publish(ev mixer.Event) {
	var env envelope
	switch ev := ev.(type) {
	case mixer.ParameterChanged:
		env = envelope{
			Type:    msgSingleState,
			Payload: singleStatePayload{Key: ev.Parameter.Key.String(), State: ev.Parameter},
		}
	case mixer.ActiveDeviceChanged:
		env = envelope{
			Type:    msgActiveDevice,
			Payload: activeDevicePayload{ActiveDevice: ev.Device},
		}
	default:
		return
	}
	n.send(env)
}

// PublishStatus broadcasts a device-link status line.
func (n *notifier) PublishStatus(status string) {
	n.send(envelope{Type: msgLinkStatus, Payload: statusPayload{Status: status}})
}

func (n *notifier) send(env envelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		n.logger.Warn("ui notifier marshal failed", "error", err, "type", env.Type)
		return
	}
	n.hub.BroadcastBytes(msg)
}
