package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coedit/internal/metrics"
	"coedit/internal/models"
)

const (
	writeWait        = 10 * time.Second
	defaultQueueSize = 256
)

// Client is one joined connection. Frames are queued and written by WritePump,
// so a slow peer never blocks the room that broadcasts to it.
type Client struct {
	ID   string
	Conn *websocket.Conn

	mu   sync.Mutex
	hook func(models.WSFrame)

	send       chan models.WSFrame
	done       chan struct{}
	finish     chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
}

func NewClient(conn *websocket.Conn, id string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Client{
		ID:     id,
		Conn:   conn,
		send:   make(chan models.WSFrame, queueSize),
		done:   make(chan struct{}),
		finish: make(chan struct{}),
	}
}

// SetSendHook replaces the queued WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send enqueues frame without blocking. A full queue disconnects the client.
func (c *Client) Send(frame models.WSFrame) bool {
	c.mu.Lock()
	if c.hook != nil {
		c.hook(frame)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.DroppedConnections.Inc()
		c.Close()
		return false
	}
}

// WritePump writes queued frames until the client is closed or finished.
func (c *Client) WritePump() {
	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				c.Close()
				return
			}
		case <-c.finish:
			c.drain()
			c.Close()
			return
		case <-c.done:
			return
		}
	}
}

// Finish flushes what is already queued, then closes the connection.
func (c *Client) Finish() {
	c.finishOnce.Do(func() { close(c.finish) })
}

// Close drops anything still queued and closes the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) drain() {
	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(frame models.WSFrame) bool {
	if c.Conn == nil {
		return true
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(frame) == nil
}
