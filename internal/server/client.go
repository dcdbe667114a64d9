// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/presencechat/internal/protocol"
	"github.com/Tyrowin/presencechat/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one WebSocket connection. The hub owns its lifecycle; the read
// pump turns frames into hub events and the write pump drains send.
type Client struct {
	id             registry.ConnID
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	logger         *slog.Logger
}

// NewClient creates a Client with a fresh connection id for conn.
// The send channel is buffered so a slow peer never blocks the hub.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := registry.ConnID(uuid.NewString())

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit, time.Now()),
		rateLimit:      cfg.RateLimit,
		logger:         slog.Default().With("conn", string(id), "addr", addr),
	}
}

// ID returns the connection id used by the registry.
func (c *Client) ID() registry.ConnID {
	return c.id
}

// GetSendChan returns the client's outbound frames. Read-only for callers.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("set initial read deadline", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("set read deadline in pong handler", "err", err)
		}
		return nil
	})
}

// handleReadError logs err by kind and reports whether the read loop must stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("client disconnected", "err", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("connection closed", "err", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected WebSocket close", "err", err)
	default:
		c.logger.Warn("WebSocket read error", "err", err)
	}
	return true
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter == nil || c.rateLimiter.allow() {
		return true
	}
	c.hub.metrics.RateLimitHits.Add(1)
	c.hub.metrics.DroppedEvents.Add(1)
	c.logger.Warn("rate limit exceeded; discarding frame",
		"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
	return false
}

// processMessage decodes one frame and queues it for the hub. Frames that do
// not decode are dropped; the connection stays open. Typing indicators are
// not charged against the rate limit.
func (c *Client) processMessage(raw []byte) bool {
	ev, err := protocol.Decode(raw)
	if !isTypingEvent(ev) && !c.checkRateLimit() {
		return false
	}
	if err != nil {
		c.hub.metrics.DroppedEvents.Add(1)
		c.logger.Warn("dropping invalid frame", "err", err)
		return false
	}
	return c.hub.submit(Inbound{Client: c, Event: ev})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("close connection in readPump", "err", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}
		c.processMessage(raw)
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

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("close connection in writePump", "err", err)
	}
}

// handleFrame writes one event frame, or a close frame once the hub has
// closed send. Every event goes out as its own text frame.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline", "err", err)
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("write close frame", "err", err)
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn("write frame", "err", err)
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("set write deadline for ping", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("write ping", "err", err)
		return false
	}
	return true
}

// isTypingEvent reports whether ev is a typing indicator. The registry drops
// repeats, so a client may send one per keystroke.
func isTypingEvent(ev protocol.Event) bool {
	switch ev.(type) {
	case protocol.Typing, protocol.StopTyping:
		return true
	}
	return false
}
