// Package relay manages individual client connections, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package relay

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ClientOptions carries per-connection transport limits.
type ClientOptions struct {
	MaxMessageSize          int64
	RateLimitBurst          int
	RateLimitRefillInterval time.Duration
}

// Client represents one live, authenticated connection. The hub owns its
// registration and room membership; the client owns the transport pumps.
type Client struct {
	id     string
	userID string

	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	addr    string
	closed  bool
	limiter *rateLimiter
	opts    ClientOptions
	session *Session
	logger  *slog.Logger
}

// NewClient creates a client for an authenticated connection. The caller
// hands it to Hub.Register, which starts the pumps.
func NewClient(conn *websocket.Conn, hub *Hub, chats ChatStore, userID, addr string, opts ClientOptions, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}
	if conn != nil {
		conn.SetReadLimit(opts.MaxMessageSize)
	}

	c := &Client{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     hub,
		addr:    addr,
		limiter: newRateLimiter(opts.RateLimitBurst, opts.RateLimitRefillInterval),
		opts:    opts,
		logger:  logger,
	}
	c.session = NewSession(c, hub, chats, logger)
	return c
}

// ID returns the connection identifier.
func (c *Client) ID() string {
	return c.id
}

// UserID returns the authenticated user bound to this connection.
func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("error setting initial read deadline", "addr", c.addr, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Error("error setting read deadline in pong handler", "addr", c.addr, "error", err)
		}
		return nil
	})
}

// logReadError records why the read loop is ending, classified by cause.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size",
			"addr", c.addr, "maxMessageSize", c.opts.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", "addr", c.addr, "userId", c.userID)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "addr", c.addr, "userId", c.userID)
	default:
		c.logger.Warn("websocket read error", "addr", c.addr, "error", err)
	}
}

func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding event",
			"addr", c.addr, "userId", c.userID,
			"burst", c.opts.RateLimitBurst, "refillInterval", c.opts.RateLimitRefillInterval)
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Error("error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, rawEvent, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			break
		}

		if !c.checkRateLimit() {
			continue
		}

		c.session.Handle(rawEvent)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case payload, ok := <-c.send:
		return c.handleOutbound(payload, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Error("error closing connection in writePump", "error", err)
	}
}

// handleOutbound writes one event per frame so clients can decode each
// frame as a single JSON envelope. It returns false when the connection
// should be closed.
func (c *Client) handleOutbound(payload []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error("error setting write deadline", "addr", c.addr, "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Error("error writing event", "addr", c.addr, "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Error("error writing close message", "addr", c.addr, "error", err)
		}
	}
	return false
}

// handlePing keeps the connection alive between events.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error("error setting write deadline for ping", "addr", c.addr, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Error("error writing ping message", "addr", c.addr, "error", err)
		}
		return false
	}
	return true
}
