package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	ws "github.com/coder/websocket"
)

const (
	eventBufferSize = 64
	pingInterval    = 30 * time.Second
)

type chunk struct {
	data []byte
	done chan error
}

// Client is a single WebSocket connection bound to an identity.
type Client struct {
	ID       string
	Identity string

	hub     *Hub
	conn    *ws.Conn
	events  chan []byte
	chunks  chan chunk
	done    chan struct{}
	handler CommandHandler
	cancel  context.CancelFunc
}

// ErrConnClosed is returned by SendChunk once the connection is gone.
var ErrConnClosed = errors.New("connection closed")

// CommandHandler receives the lifecycle of a connection. Connect runs
// before any command; a non-nil error refuses the connection. Command
// is invoked once per request frame, in order. Disconnect runs exactly
// once when the connection is gone.
type CommandHandler interface {
	Connect(ctx context.Context, c *Client) error
	Command(ctx context.Context, c *Client, cmd Command)
	Disconnect(c *Client)
}

// NewClient creates a client for a live connection.
func NewClient(hub *Hub, conn *ws.Conn, id, identity string, handler CommandHandler) *Client {
	return &Client{
		ID:       id,
		Identity: identity,
		hub:      hub,
		conn:     conn,
		events:   make(chan []byte, eventBufferSize),
		chunks:   make(chan chunk),
		done:     make(chan struct{}),
		handler:  handler,
	}
}

// trySend queues an event frame, dropping it when the buffer is full.
func (c *Client) trySend(data []byte) {
	select {
	case c.events <- data:
	default:
	}
}

// SendChunk writes one binary archive frame. Unlike events it blocks
// until the frame is on the wire, so the producer is paced by the
// slowest part of the path. It fails fast once the connection is gone.
func (c *Client) SendChunk(ctx context.Context, data []byte) error {
	ch := chunk{data: data, done: make(chan error, 1)}
	select {
	case c.chunks <- ch:
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ch.done:
		return err
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EndStream writes the empty binary frame that marks the end of an
// archive stream. Chunk producers never emit empty frames, so the
// marker is unambiguous.
func (c *Client) EndStream(ctx context.Context) error {
	return c.SendChunk(ctx, nil)
}

// Close tears the connection down.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.conn.Close(ws.StatusNormalClosure, "")
}

// Run registers the client, starts the write pump, and reads command
// frames until the connection closes. It blocks for the connection's
// lifetime.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()
	defer close(c.done)

	// Registration precedes Connect so the handler can push initial
	// events at the front of the queue.
	c.hub.Register(c)
	go c.writePump(ctx)

	if err := c.handler.Connect(ctx, c); err != nil {
		c.hub.logger.Warn("connection refused", "conn", c.ID, "identity", c.Identity, "error", err)
		c.hub.Unregister(c)
		c.conn.Close(ws.StatusPolicyViolation, err.Error())
		return
	}

	defer func() {
		c.hub.Unregister(c)
		c.handler.Disconnect(c)
	}()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	for {
		kind, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if kind != ws.MessageText {
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.hub.logger.Warn("malformed command frame", "conn", c.ID, "error", err)
			continue
		}
		c.handler.Command(ctx, c, cmd)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.events:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, data); err != nil {
				return
			}
		case ch := <-c.chunks:
			err := c.conn.Write(ctx, ws.MessageBinary, ch.data)
			ch.done <- err
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
