// Package wsclient implements the control-plane WebSocket client (spec.md
// §4, C5): one outbound connection to the cloud's base_url, a FIFO TX
// queue, keep-alive ping/pong, and connect/disconnect/error callbacks.
//
// Reconnect *policy* — when and after what delay to call Connect again —
// belongs to the session FSM (internal/session, C7); this package only
// owns a single connection's lifecycle, the way the teacher's WSHub
// (pkg/api/websocket.go) owns connection bookkeeping without deciding
// anything about retry timing.
package wsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// PingInterval is the period of the keep-alive ping, sent on a fixed
	// ticker whether or not other frames were written (spec.md §5 "WS
	// connect 20s, idle→ping 10s").
	PingInterval = 10 * time.Second
	// PongTimeout is how long to wait for a pong before declaring the
	// connection dead (spec.md §5 "missing pong 30s → disconnect").
	PongTimeout = 30 * time.Second
	// ConnectTimeout bounds the initial dial.
	ConnectTimeout = 20 * time.Second

	txQueueDepth = 256
)

// Callbacks groups the connection-lifecycle hooks a caller may set.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnMessage      func(data []byte)
}

// Client is a single WebSocket connection with a FIFO send queue and
// keep-alive.
type Client struct {
	url       string
	dialer    *websocket.Dialer
	callbacks Callbacks
	log       *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	send    chan []byte
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New creates a client for url (not yet connected).
func New(url string, dialer *websocket.Dialer, cb Callbacks, log *slog.Logger) *Client {
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: ConnectTimeout}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:       url,
		dialer:    dialer,
		callbacks: cb,
		log:       log.With("component", "wsclient"),
	}
}

// Connect dials the server. On success it starts the read/write/keepalive
// goroutines and invokes OnConnected; on failure it returns the dial error
// without invoking any callback.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("wsclient: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, txQueueDepth)
	c.closed = false
	c.closeCh = make(chan struct{})
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(PongTimeout))
		return nil
	})

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	if c.callbacks.OnConnected != nil {
		c.callbacks.OnConnected()
	}
	return nil
}

// Send enqueues a frame for transmission, preserving FIFO order (spec.md §5
// "outbound commands ... totally ordered by send order"). It returns false
// if the client is not connected or the TX queue is full.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	send := c.send
	closed := c.closed
	c.mu.Unlock()
	if send == nil || closed {
		return false
	}
	select {
	case send <- data:
		return true
	default:
		c.log.Warn("wsclient: TX queue full, dropping frame")
		return false
	}
}

// Close gracefully closes the connection, sending a close frame if
// possible. It is safe to call multiple times.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	closeCh := c.closeCh
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(2 * time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if closeCh != nil {
		close(closeCh)
	}
	c.wg.Wait()
}

func (c *Client) readPump() {
	defer c.wg.Done()
	defer c.fail(nil)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if c.callbacks.OnMessage != nil {
			c.callbacks.OnMessage(data)
		}
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	c.mu.Lock()
	send := c.send
	closeCh := c.closeCh
	c.mu.Unlock()

	for {
		select {
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.fail(err)
				return
			}
		case <-closeCh:
			return
		}
	}
}

// fail marks the connection dead and invokes OnDisconnected exactly once
// per Connect call. A local Close marks the client closed first, so it
// never invokes OnDisconnected.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	closeCh := c.closeCh
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if closeCh != nil {
		close(closeCh)
	}

	if c.callbacks.OnDisconnected != nil {
		c.callbacks.OnDisconnected(err)
	}
}
