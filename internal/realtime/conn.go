/*
File: internal/realtime/conn.go
Description: The WebSocket-backed implementation of relay.Conn. Each
connection owns a single buffered outbound channel drained by one write
pump, which is what gives the relay its per-directed-pair ordering
guarantee: a sender's frames are enqueued in handling order and written in
queue order.
*/
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jmolds/bill-phone-sub000/pkg/signal"
)

const writeWait = 10 * time.Second

var (
	errConnClosed     = errors.New("connection is closed")
	errSendBufferFull = errors.New("outbound buffer is full")
)

// wsConn adapts a gorilla WebSocket connection to relay.Conn.
type wsConn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn

	sendCh    chan *signal.Envelope
	closed    chan struct{}
	closeOnce sync.Once

	logger zerolog.Logger
}

func newWSConn(id, remoteAddr string, ws *websocket.Conn, sendBuffer int, logger zerolog.Logger) *wsConn {
	return &wsConn{
		id:         id,
		remoteAddr: remoteAddr,
		ws:         ws,
		sendCh:     make(chan *signal.Envelope, sendBuffer),
		closed:     make(chan struct{}),
		logger:     logger.With().Str("conn", id).Logger(),
	}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remoteAddr }

// Send enqueues a frame for the write pump. It never blocks on the network:
// a closed connection or a full buffer is reported as an error and the
// caller treats the frame as undeliverable.
func (c *wsConn) Send(env *signal.Envelope) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.sendCh <- env:
		return nil
	case <-c.closed:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

// Close is idempotent; both the read loop and the health monitor may call it.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.ws.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing websocket.")
		}
	})
	return nil
}

// writePump drains the outbound channel onto the wire in order. It exits
// when the connection closes or a write fails; a failed write closes the
// connection so the read loop unwinds and cleanup runs.
func (c *wsConn) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.sendCh:
			data, err := env.Encode()
			if err != nil {
				c.logger.Error().Err(err).Str("kind", string(env.Kind)).Msg("Failed to encode outbound frame.")
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed; closing connection.")
				_ = c.Close()
				return
			}
		}
	}
}
