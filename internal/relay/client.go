package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parlorapp/parlor/internal/config"
	"github.com/parlorapp/parlor/internal/metrics"
	"github.com/parlorapp/parlor/internal/ratelimit"
	"github.com/parlorapp/parlor/internal/signal"
)

const sendBufferSize = 64

// client is one live websocket connection. id is the relay-assigned
// transient peer id; userID is the durable identity presented at upgrade.
type client struct {
	id       string
	userID   string
	username string

	conn    *websocket.Conn
	send    chan signal.Message
	limiter *ratelimit.Limiter
	cfg     config.Relay
	logger  zerolog.Logger

	// done is closed by the hub when it removes the connection from the
	// routing tables. It releases writePump and stops further enqueues;
	// send itself is never closed, so a broadcast that snapshotted this
	// client just before removal cannot panic.
	done chan struct{}
}

func newClient(id, userID, username string, conn *websocket.Conn, cfg config.Relay, clock ratelimit.Clock, logger zerolog.Logger) *client {
	return &client{
		id:       id,
		userID:   userID,
		username: username,
		conn:     conn,
		send:     make(chan signal.Message, sendBufferSize),
		limiter:  ratelimit.NewLimiter(clock, cfg.MaxMessagesPerSecond),
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// readPump reads, parses and dispatches inbound messages until the
// connection dies. It owns the disconnect cleanup.
func (c *client) readPump(h *Hub, m *metrics.Metrics) {
	defer func() {
		h.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		if !c.limiter.Allow() {
			m.Inc(metrics.DropReasonRateLimited)
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := signal.Parse(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("discarding malformed message")
			continue
		}
		h.handleMessage(c, msg)
	}
}

// writePump serializes all writes to the connection and keeps it alive
// with pings. It exits when the hub removes the client.
func (c *client) writePump() {
	pingInterval := c.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			data, err := msg.Encode()
			if err != nil {
				c.logger.Error().Err(err).Msg("encode outbound message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) writeClose(code int, reason string) {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
