package presence

import (
	"errors"
	"log"
	"sync"
	"time"

	"beacon/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size allowed from peer. A 16 KiB frame is accepted;
	// one byte more closes the socket.
	maxFrameSize = 16 * 1024

	sendBufferSize = 256
)

// Client is the transport half of a session: it owns the websocket
// connection and the buffered outbound queue. The broker never touches the
// socket directly.
type Client struct {
	// Conn is nil in unit tests; sends then land in Send only.
	Conn *websocket.Conn

	// Send is the buffered channel of outbound frames.
	Send chan []byte

	// IncomingHandler is invoked for every inbound frame, in arrival order.
	IncomingHandler func(message []byte)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates a client for conn. conn may be nil for tests.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		Conn:   conn,
		Send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// ReadPump pumps inbound frames to the handler. It blocks until the socket
// closes or the read limit is exceeded.
func (c *Client) ReadPump() {
	defer c.CloseWith(websocket.CloseNormalClosure, "")

	c.Conn.SetReadLimit(maxFrameSize)

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// Oversized frame: close with 1009 and do not resume.
				c.CloseWith(websocket.CloseMessageTooBig, "message too large")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("ReadPump error: %v", err)
			}
			return
		}

		if c.IncomingHandler != nil {
			c.IncomingHandler(message)
		}
	}
}

// WritePump pumps outbound frames from Send to the websocket connection.
func (c *Client) WritePump() {
	defer func() {
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if !ok {
				return
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// TrySend queues a frame without blocking, dropping it when the buffer is
// full or the client is closed.
func (c *Client) TrySend(message []byte) {
	select {
	case <-c.closed:
		observability.BackpressureDrops.WithLabelValues("closed").Inc()
		return
	default:
	}

	select {
	case c.Send <- message:
	default:
		// Buffer full; the client will converge from the next broadcast.
		observability.BackpressureDrops.WithLabelValues("full").Inc()
	}
}

// CloseWith sends a close frame with the given code and tears the
// connection down. Safe to call multiple times.
func (c *Client) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.Conn == nil {
			return
		}
		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = c.Conn.Close()
	})
}

// Closed reports whether the client has been torn down.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
