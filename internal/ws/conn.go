package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/PRATHAMU200/knightfight/pkg/wire"
)

const writeTimeout = 5 * time.Second

// conn adapts one websocket to the coordinator's Peer contract. Outbound
// frames go through a buffered queue drained by the write pump, so a slow
// reader drops frames instead of stalling a session broadcast.
type conn struct {
	id string
	ws *websocket.Conn

	send chan wire.Envelope

	done     chan struct{}
	doneOnce sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *conn {
	if buffer <= 0 {
		buffer = 32
	}
	return &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan wire.Envelope, buffer),
		done: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

// Send queues an envelope without blocking. Returns false when the peer is
// gone or its buffer is full.
func (c *conn) Send(env wire.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *conn) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// writePump drains the send queue onto the socket until the connection
// stops. A write failure stops the pump; the read side observes the broken
// socket and triggers cleanup.
func (c *conn) writePump(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case env := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, env)
			cancel()
			if err != nil {
				c.stop()
				return
			}
		}
	}
}
