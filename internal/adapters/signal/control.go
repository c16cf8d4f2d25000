package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

// pongWait is how long the socket may stay silent before it is considered dead.
func (c *Connection) pongWait() time.Duration {
	return c.opts.PingPeriod * 10 / 9
}

func (c *Connection) armKeepalive(ws *websocket.Conn) {
	c.extendDeadline(ws)
	ws.SetPongHandler(func(string) error {
		c.extendDeadline(ws)
		return nil
	})
}

func (c *Connection) extendDeadline(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(c.pongWait()))
}

func (c *Connection) ping(ws *websocket.Conn) error {
	return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
}
