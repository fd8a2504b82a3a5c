// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/chat"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
	seenCapacity = 256
)

// Client is one websocket connection held by this node.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	identity       auth.Identity
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	seenMu    sync.Mutex
	seen      map[int64]struct{}
	seenOrder []int64
}

// NewClient creates a Client for an upgraded connection owned by identity.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, identity auth.Identity) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		hub:            hub,
		addr:           addr,
		identity:       identity,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		seen:           make(map[int64]struct{}, seenCapacity),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// firstSight records a message id and reports whether this connection had
// not seen it yet. Only the most recent ids are remembered.
func (c *Client) firstSight(messageID int64) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	if _, ok := c.seen[messageID]; ok {
		return false
	}
	if len(c.seenOrder) >= seenCapacity {
		oldest := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, oldest)
	}
	c.seen[messageID] = struct{}{}
	c.seenOrder = append(c.seenOrder, messageID)
	return true
}

// sendFrame encodes and queues one frame for this connection only.
func (c *Client) sendFrame(event string, data any, requestID string) {
	payload, err := encodeFrame(event, data, requestID)
	if err != nil {
		log.Printf("[hub] client %s: encode %s: %v", c.id, event, err)
		return
	}
	c.hub.push(c, payload)
}

func (c *Client) sendError(requestID, code, message string, retryable bool) {
	c.sendFrame(chat.EventError, ErrorPayload{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		RequestID: requestID,
	}, requestID)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("[hub] client %s: error setting initial read deadline: %v", c.id, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("[hub] client %s: error setting read deadline in pong handler: %v", c.id, err)
		}
		return nil
	})
}

// logReadError describes why the read loop ended. Every outcome leads to the
// same cleanup.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("[hub] client %s sent a frame over %d bytes", c.id, c.maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		log.Printf("[hub] client %s disconnected: %v", c.id, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		log.Printf("[hub] client %s connection closed: %v", c.id, err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
		log.Printf("[hub] client %s closed abnormally: %v", c.id, err)
	default:
		log.Printf("[hub] client %s read error: %v", c.id, err)
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		log.Printf("[hub] rate limit exceeded for %s (%d frames per %s); discarding frame",
			c.id, c.rateLimit.Burst, c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// readPump owns the inbound side of the connection. Frames are handled one
// at a time in arrival order. When the loop ends for any reason the
// disconnect cleanup runs before the goroutine exits.
func (c *Client) readPump() {
	defer c.hub.disconnect(c)

	c.setupReadConnection()
	if !c.hub.connect(c) {
		return
	}

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.sendError("", chat.CodeRateLimited, "too many frames, slow down", true)
			continue
		}

		c.processFrame(rawMessage)
	}
}

// writePump owns the outbound side and closes the connection when the send
// channel is closed or a write fails.
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
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("[hub] client %s: error closing connection: %v", c.id, err)
		}
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("[hub] client %s: error setting write deadline: %v", c.id, err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeFrames(message)
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("[hub] client %s: error writing close message: %v", c.id, err)
		}
	}
	return false
}

// writeFrames writes message and every frame already queued behind it into
// a single websocket message, newline separated.
func (c *Client) writeFrames(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		log.Printf("[hub] client %s: error creating writer: %v", c.id, err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		log.Printf("[hub] client %s: error writing frame: %v", c.id, err)
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			break
		}
		if !c.writeQueued(w, queued) {
			return false
		}
	}

	if err := w.Close(); err != nil {
		log.Printf("[hub] client %s: error closing writer: %v", c.id, err)
		return false
	}
	return true
}

func (c *Client) writeQueued(w io.Writer, message []byte) bool {
	if _, err := w.Write([]byte{'\n'}); err != nil {
		log.Printf("[hub] client %s: error writing separator: %v", c.id, err)
		return false
	}
	if _, err := w.Write(message); err != nil {
		log.Printf("[hub] client %s: error writing queued frame: %v", c.id, err)
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("[hub] client %s: error setting write deadline for ping: %v", c.id, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Printf("[hub] client %s: error writing ping: %v", c.id, err)
		return false
	}
	return true
}
