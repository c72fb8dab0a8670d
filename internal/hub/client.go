package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"plantly.app/plantly-server/internal/config"
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Client is a gorilla websocket connection with a buffered writer goroutine.
// It implements Handle.
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	config config.WebSocketConfig

	mu         sync.Mutex
	closed     bool
	closeFrame []byte
}

func NewClient(id string, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	size := cfg.SendBuffer
	if size <= 0 {
		size = 64
	}
	return &Client{
		ID:     id,
		conn:   conn,
		send:   make(chan []byte, size),
		done:   make(chan struct{}),
		config: cfg,
	}
}

// Send queues data without blocking.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith flushes queued frames, then sends a close frame with code.
// Calls after the first are no-ops.
func (c *Client) CloseWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeFrame = websocket.FormatCloseMessage(code, reason)
	close(c.send)
}

// Done is closed once the write pump has exited and the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadFrame reads a single message, failing if none arrives within timeout.
func (c *Client) ReadFrame(timeout time.Duration) ([]byte, error) {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, message, err := c.conn.ReadMessage()
	return message, err
}

// ReadPump hands every inbound frame to handler, one at a time, until the
// transport fails. The read deadline is re-armed before each read so a slow
// handler does not trip the keepalive.
func (c *Client) ReadPump(handler func([]byte)) error {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		handler(message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.mu.Lock()
				frame := c.closeFrame
				c.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, frame)
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
