package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cuemixbridge/internal/mixer"
)

// ============================================================================
// Device Link - websocket client to the mixer
// ============================================================================
// The mixer speaks binary websocket frames at ws://host:port/serial. Every
// outbound request is one binary message carrying one or more concatenated
// frames; every inbound message is a single frame.
//
// Connection lifecycle:
//   - Run dials, reads until the connection drops, then waits
//     ReconnectInterval and dials again.
//   - After MaxRetries consecutive failed dials it stops and waits for
//     Reconnect.
//   - Reconnect resets the retry count, drops the current connection and
//     dials immediately.
//
// Dial, Send and Close share one mutex so a reconnect never interleaves with
// an in-flight write.
// ============================================================================

// ErrNotConnected is returned by Send while no device connection is open.
var ErrNotConnected = errors.New("device link: not connected")

const (
	statusNotConnected = "WebSocket: Not Connected."
	statusDisconnected = "Disconnected."
	statusIncomplete   = "Connection settings incomplete."
	statusFailed       = "Connection failed. Please check settings."
	statusCannotSend   = "Cannot send - Not Connected."
	statusReconnecting = "Reconnecting due to settings change..."

	linkWriteWait = 2 * time.Second
)

// Endpoint is the device websocket address.
type Endpoint struct {
	Host   string
	Port   string
	Serial string
}

func (e Endpoint) complete() bool { return e.Host != "" && e.Port != "" }

// URL returns ws://host:port/serial (the serial may be empty).
func (e Endpoint) URL() string {
	return "ws://" + net.JoinHostPort(e.Host, e.Port) + "/" + e.Serial
}

type DeviceLinkConfig struct {
	HandshakeTimeout  time.Duration
	ReconnectInterval time.Duration
	MaxRetries        int
}

// DeviceLinkOptions wires the link into the rest of the daemon. Every
// callback is optional and must not block.
type DeviceLinkOptions struct {
	// Endpoint is consulted before every dial.
	Endpoint func() Endpoint

	// OnFrame receives every inbound binary message.
	OnFrame func([]byte)

	// OnStatus receives every human-readable status change.
	OnStatus func(string)

	// OnConnected is told when a connection opens or closes.
	OnConnected func(bool)
}

// DeviceLink implements mixer.Link over a gorilla/websocket client.
type DeviceLink struct {
	cfg    DeviceLinkConfig
	opts   DeviceLinkOptions
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	retries int

	statusMu sync.Mutex
	status   string

	// kick wakes Run for a manual reconnect.
	kick chan struct{}
}

var _ mixer.Link = (*DeviceLink)(nil)

func NewDeviceLink(cfg DeviceLinkConfig, opts DeviceLinkOptions, logger *slog.Logger) *DeviceLink {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	return &DeviceLink{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		status: statusNotConnected,
		kick:   make(chan struct{}, 1),
	}
}

// Status returns the most recent status line.
func (l *DeviceLink) Status() string {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	return l.status
}

func (l *DeviceLink) setStatus(s string) {
	l.statusMu.Lock()
	l.status = s
	l.statusMu.Unlock()

	if l.opts.OnStatus != nil {
		l.opts.OnStatus(s)
	}
}

// Connected reports whether a device connection is open.
func (l *DeviceLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Send writes one binary message to the device.
func (l *DeviceLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		l.setStatus(statusCannotSend)
		l.logger.Error("cannot send to device: not connected")
		return ErrNotConnected
	}

	_ = l.conn.SetWriteDeadline(time.Now().Add(linkWriteWait))
	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		l.dropLocked()
		l.setStatus("Send Error - " + err.Error())
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Reconnect drops the current connection (if any), resets the retry budget
// and makes Run dial again without waiting.
func (l *DeviceLink) Reconnect() {
	l.setStatus(statusReconnecting)
	l.logger.Info("forcing device reconnection")

	l.mu.Lock()
	l.retries = 0
	l.dropLocked()
	l.mu.Unlock()

	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Close drops the current connection. Run exits on context cancellation.
func (l *DeviceLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked()
	return nil
}

func (l *DeviceLink) dropLocked() {
	if l.conn == nil {
		return
	}
	_ = l.conn.Close()
	l.conn = nil
	if l.opts.OnConnected != nil {
		l.opts.OnConnected(false)
	}
}

// Run owns the connection until ctx is cancelled.
func (l *DeviceLink) Run(ctx context.Context) error {
	defer l.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, wait := l.dial(ctx)
		if conn != nil {
			l.readLoop(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			l.setStatus(statusDisconnected)
			l.logger.Info("device connection closed", "retry_in", l.cfg.ReconnectInterval)
			wait = true
		}

		if !wait {
			// Retry budget exhausted or settings incomplete: park until kicked.
			select {
			case <-ctx.Done():
				return nil
			case <-l.kick:
			}
			continue
		}

		timer := time.NewTimer(l.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-l.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dial makes one connection attempt. It returns the new connection, or nil
// and whether Run should retry after the reconnect interval.
func (l *DeviceLink) dial(ctx context.Context) (*websocket.Conn, bool) {
	ep := Endpoint{}
	if l.opts.Endpoint != nil {
		ep = l.opts.Endpoint()
	}
	if !ep.complete() {
		// A configuration problem does not consume a retry.
		l.setStatus(statusIncomplete)
		l.logger.Warn("cannot connect to device: connection settings are incomplete")
		return nil, false
	}

	l.mu.Lock()
	if l.retries >= l.cfg.MaxRetries {
		l.mu.Unlock()
		l.setStatus(statusFailed)
		l.logger.Error("giving up on device connection", "attempts", l.cfg.MaxRetries, "url", ep.URL())
		return nil, false
	}
	l.retries++
	attempt := l.retries
	l.mu.Unlock()

	msg := fmt.Sprintf("Attempting to connect to MOTU... (Attempt %d/%d)", attempt, l.cfg.MaxRetries)
	l.setStatus(msg)
	l.logger.Info("connecting to device", "url", ep.URL(), "attempt", attempt, "max", l.cfg.MaxRetries)

	// The handshake runs unlocked so Send fails fast while we retry.
	d := websocket.Dialer{
		HandshakeTimeout: l.cfg.HandshakeTimeout,
	}
	conn, _, err := d.DialContext(ctx, ep.URL(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		l.setStatus("Error - " + err.Error())
		l.logger.Warn("device connection failed; retrying...", "error", err, "attempt", attempt)
		return nil, true
	}

	l.mu.Lock()
	l.dropLocked()
	l.conn = conn
	l.retries = 0
	if l.opts.OnConnected != nil {
		l.opts.OnConnected(true)
	}
	l.setStatus(fmt.Sprintf("Connected to %s:%s.", ep.Host, ep.Port))
	l.mu.Unlock()

	l.logger.Info("connected to device", "url", ep.URL())
	return conn, false
}

// readLoop hands inbound binary messages to OnFrame until conn fails or is
// replaced.
func (l *DeviceLink) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			if l.conn == conn {
				l.dropLocked()
			}
			l.mu.Unlock()

			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				l.logger.Debug("device read loop exiting", "error", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if l.opts.OnFrame != nil {
			l.opts.OnFrame(msg)
		}
	}
}
