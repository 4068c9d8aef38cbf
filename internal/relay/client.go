package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/chathub/internal/transport/ws"
)

// client is one relay connection. joined is guarded by the server mutex.
type client struct {
	s      *Server
	user   string
	conn   *websocket.Conn
	send   chan []byte
	joined map[string]struct{}

	mu     sync.Mutex
	closed bool
}

// enqueue queues b for the write pump. A client that cannot keep up is
// disconnected.
func (c *client) enqueue(b []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- b:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warnf("relay: %s too slow, disconnecting", c.user)
		go c.s.unregister(c)
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) reply(f ws.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *client) readPump() {
	defer func() {
		c.s.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warnf("relay: %s read: %v", c.user, err)
			}
			return
		}
		var f ws.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(ws.Frame{Type: ws.FrameError, Error: "malformed frame"})
			continue
		}
		c.s.events.WithLabelValues(f.Type).Inc()
		c.handle(f)
	}
}

func (c *client) handle(f ws.Frame) {
	switch f.Type {
	case ws.FrameJoin:
		if f.Channel == "" {
			c.reply(ws.Frame{Type: ws.FrameError, Ref: f.Ref, Error: "join without channel"})
			return
		}
		c.s.join(c, f.Channel)
		c.reply(ws.Frame{Type: ws.FrameAck, Ref: f.Ref, Channel: f.Channel})
		log.Debugf("relay: %s joined %s", c.user, f.Channel)

	case ws.FrameLeave:
		c.s.leave(c, f.Channel)
		c.reply(ws.Frame{Type: ws.FrameAck, Ref: f.Ref, Channel: f.Channel})

	case ws.FrameEvent:
		if !c.s.fanOut(c, f) {
			c.reply(ws.Frame{Type: ws.FrameError, Channel: f.Channel, Error: "not joined to " + f.Channel})
		}

	default:
		c.reply(ws.Frame{Type: ws.FrameError, Ref: f.Ref, Error: "unknown frame type " + f.Type})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debugf("relay: %s write: %v", c.user, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
