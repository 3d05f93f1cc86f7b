package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lexiqai/voice-relay/internal/queue"
)

// ErrClosed is returned when sending on a closed connection
var ErrClosed = errors.New("transport closed")

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time Close waits for already queued messages to reach the peer
	closeFlushTimeout = 2 * time.Second

	// Maximum inbound message size
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	// No authentication or origin policy: the relay is meant to sit behind
	// whatever fronts it
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Message is one inbound websocket message
type Message struct {
	Binary bool
	Data   []byte
}

type outbound struct {
	messageType int
	data        []byte
}

// Conn is a duplex message stream over a websocket. Sends are queued and
// written by a single goroutine in send order, so senders never block on
// the network. Receive must only be called from one goroutine.
type Conn struct {
	ws         *websocket.Conn
	outbox     *queue.Queue[outbound]
	writerDone chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once

	mu       sync.Mutex
	writeErr error
}

// NewConn wraps an established websocket connection
func NewConn(ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		ws:         ws,
		outbox:     queue.New[outbound](),
		writerDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go c.writeLoop()
	return c
}

// Upgrade upgrades an HTTP request to a websocket Conn
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return NewConn(ws), nil
}

// Dial connects to a relay endpoint such as ws://host:8080/ws
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s (HTTP %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewConn(ws), nil
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		msg, err := c.outbox.Pop(c.ctx)
		if err != nil {
			return
		}

		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
			c.mu.Lock()
			c.writeErr = err
			c.mu.Unlock()
			c.outbox.Close()
			return
		}
	}
}

func (c *Conn) enqueue(messageType int, data []byte) error {
	if err := c.outbox.Push(outbound{messageType: messageType, data: data}); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.writeErr != nil {
			return fmt.Errorf("%w: %v", ErrClosed, c.writeErr)
		}
		return ErrClosed
	}
	return nil
}

// SendEnvelope queues a JSON envelope as a text message
func (c *Conn) SendEnvelope(env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return c.enqueue(websocket.TextMessage, data)
}

// SendBinary queues a raw binary message
func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(websocket.BinaryMessage, data)
}

// SendAudio sends one encoded capture frame
func (c *Conn) SendAudio(data []byte) error {
	return c.SendBinary(data)
}

// Receive blocks for the next inbound message
func (c *Conn) Receive() (Message, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	return Message{Binary: messageType == websocket.BinaryMessage, Data: data}, nil
}

// ReceiveEnvelope blocks for the next inbound envelope
func (c *Conn) ReceiveEnvelope() (Envelope, error) {
	msg, err := c.Receive()
	if err != nil {
		return Envelope{}, err
	}
	if msg.Binary {
		return Envelope{}, fmt.Errorf("%w: unexpected binary message", ErrInvalidEnvelope)
	}
	return ParseEnvelope(msg.Data)
}

// Close flushes messages queued so far, sends a close frame and closes the
// underlying connection. Later sends fail with ErrClosed. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.outbox.Close()

		flushed := false
		select {
		case <-c.writerDone:
			flushed = true
		case <-time.After(closeFlushTimeout):
		}
		c.cancel()

		if flushed {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		err = c.ws.Close()
		<-c.writerDone
	})
	return err
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// IsUnexpectedClose reports whether err is a close the peer did not announce
// with a normal or going-away close frame
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
