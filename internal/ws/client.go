package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"relay-service/internal/observability"
	"relay-service/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	eventTimeout   = 10 * time.Second
)

// Client is one websocket connection. Frames for it are queued on send and
// written by writePump; Send never blocks.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      registry.ConnID
	info    ConnInfo
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce   sync.Once
	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newClient(h *Hub, conn *websocket.Conn, info ConnInfo) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		info:    info,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RatePerSec), h.cfg.RateBurst),
	}
}

// Send queues frame for delivery. A full outbox drops the frame and closes
// the connection.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		log.Warn().Str("conn_id", string(c.id)).Int("buffer", cap(c.send)).Msg("outbox full, closing connection")
		observability.IncWSEvent("outbox", "full")
		c.close(websocket.CloseTryAgainLater, "outbox full")
		return false
	}
}

// close asks writePump to send a close frame and tear the connection down.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) reason(fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason != "" {
		return c.closeReason
	}
	return fallback
}

func (c *Client) readPump() {
	reason := "client closed"
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		c.hub.release(c, c.reason(reason))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			if !isExpectedClose(err) {
				observability.IncWSEvent("read", "error")
				log.Debug().Err(err).Str("conn_id", string(c.id)).Msg("websocket read ended")
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("conn_id", string(c.id)).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.mu.Lock()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			c.mu.Unlock()
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
