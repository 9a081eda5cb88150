package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSConn adapts a gorilla websocket connection to the Conn interface.
// A single writer goroutine drains the outbox; reads stay with the caller,
// which owns the event loop.
type WSConn struct {
	ws     *websocket.Conn
	outbox *Outbox

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn wraps ws and starts the writer loop. queueSize bounds the
// outbound queue; zero selects the default.
func NewWSConn(ws *websocket.Conn, queueSize int) *WSConn {
	c := &WSConn{
		ws:     ws,
		outbox: NewOutbox(queueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send implements Conn.
func (c *WSConn) Send(env Envelope) bool {
	return c.outbox.Push(env)
}

// Close implements Conn. It stops the writer and closes the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.outbox.Close()
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr implements Conn.
func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// ReadEnvelope blocks until the next inbound frame arrives. The caller's
// read loop should treat any error as a disconnect.
func (c *WSConn) ReadEnvelope() (Envelope, error) {
	var env Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (c *WSConn) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case env, ok := <-c.outbox.C():
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				logrus.WithFields(logrus.Fields{
					"remote": c.ws.RemoteAddr().String(),
					"error":  err,
				}).Debug("websocket write failed, closing connection")
				c.Close()
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
