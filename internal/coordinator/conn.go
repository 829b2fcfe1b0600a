package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dalder6284/rtpc-app/internal/protocol"
	"github.com/dalder6284/rtpc-app/internal/transfer"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var errSendBufferFull = errors.New("send buffer full")

type stream struct {
	cancel context.CancelFunc
}

type frame struct {
	kind int // websocket.TextMessage or websocket.BinaryMessage
	data []byte
}

// conn is one seat connection. The read pump handles its messages one
// at a time; the write pump is the only writer to the socket.
type conn struct {
	ws     *websocket.Conn
	send   chan frame
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger *slog.Logger

	streamMu sync.Mutex
	streams  map[transfer.Key]*stream

	// Guarded by Coordinator.mu.
	sessionID string
	seat      protocol.Seat
	manifest  *protocol.FileManifest
}

// enqueue waits for room in the send buffer.
func (c *conn) enqueue(ctx context.Context, kind int, data []byte) error {
	select {
	case c.send <- frame{kind: kind, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues without waiting. A slow connection is closed rather
// than allowed to stall a broadcast.
func (c *conn) trySend(data []byte) error {
	select {
	case c.send <- frame{kind: websocket.TextMessage, data: data}:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.cancel()
		return errSendBufferFull
	}
}

// reply encodes m and queues it.
func (c *conn) reply(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		c.logger.Error("encoding reply", "type", m.MessageType(), "error", err)
		return
	}
	if err := c.enqueue(c.ctx, websocket.TextMessage, data); err != nil {
		c.logger.Debug("reply not sent", "type", m.MessageType(), "error", err)
	}
}

func (c *conn) replyError(text string) { c.reply(protocol.Error{Message: text}) }

// startStream registers a stream for k, cancelling any stream already
// running for it. Call done when the stream ends.
func (c *conn) startStream(k transfer.Key) (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(c.ctx)
	s := &stream{cancel: cancel}
	c.streamMu.Lock()
	if prior, ok := c.streams[k]; ok {
		prior.cancel()
	}
	c.streams[k] = s
	c.streamMu.Unlock()

	return ctx, func() {
		cancel()
		c.streamMu.Lock()
		if c.streams[k] == s {
			delete(c.streams, k)
		}
		c.streamMu.Unlock()
	}
}

// cancelStreams abandons every in-flight transfer.
func (c *conn) cancelStreams() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	for k, s := range c.streams {
		s.cancel()
		delete(c.streams, k)
	}
}

func (c *conn) activeStreams() int {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	return len(c.streams)
}

// readPump delivers text frames to handle until the socket fails.
func (c *conn) readPump(pongWait time.Duration, handle func(data []byte)) error {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			c.logger.Debug("ignoring binary frame from seat", "bytes", len(data))
			continue
		}
		handle(data)
	}
}

// writePump drains send until the connection's context ends.
func (c *conn) writePump() error {
	defer c.ws.Close()
	for {
		select {
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return nil
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				return err
			}
		}
	}
}
