package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

var (
	errSendQueueFull = errors.New("send queue full")
	errClientClosed  = errors.New("client closed")
)

// client is one live WebSocket. Every outbound frame goes through send and
// is written by writePump alone, so frames reach the peer in enqueue order.
type client struct {
	id       delivery.ConnectionID
	identity delivery.Identity
	conn     *websocket.Conn
	send     chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id delivery.ConnectionID, identity delivery.Identity, conn *websocket.Conn, queueSize int) *client {
	return &client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// enqueue hands payload to the writer without blocking.
func (c *client) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendQueueFull
	}
}

// close stops the writer, which sends a close frame and closes the socket.
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			return
		}
	}
}
