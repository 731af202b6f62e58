package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gochat/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// deadline is the write deadline for control frames sent outside the pumps.
func deadline() time.Time {
	return time.Now().Add(writeWait)
}

// ClientConfig carries the per-connection limits taken from Config.
type ClientConfig struct {
	MaxMessageSize int64
	SendBufferSize int
	RateLimit      RateLimitConfig
}

// ClientConfig extracts the per-connection settings.
func (c Config) ClientConfig() ClientConfig {
	return ClientConfig{
		MaxMessageSize: c.MaxMessageSize,
		SendBufferSize: c.SendBufferSize,
		RateLimit:      c.RateLimit,
	}
}

// Client is one admitted WebSocket connection. Its identity is fixed at
// admission and never reassigned.
type Client struct {
	id             string
	user           domain.User
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	logger         *zap.Logger
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig

	mu         sync.Mutex
	state      ConnState
	overflowed bool
	joined     map[string]struct{}
}

// NewClient creates an admitted client for user. conn may be nil in tests
// that only exercise delivery.
func NewClient(conn *websocket.Conn, user domain.User, hub *Hub, addr string, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	perSecond := float64(cfg.RateLimit.Burst) / cfg.RateLimit.RefillInterval.Seconds()

	return &Client{
		id:             id,
		user:           user,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		hub:            hub,
		addr:           addr,
		logger:         logger.With(zap.String("conn", id), zap.String("user", user.ID)),
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        rate.NewLimiter(rate.Limit(perSecond), cfg.RateLimit.Burst),
		rateLimit:      cfg.RateLimit,
		state:          StateAdmitted,
		joined:         make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Identity returns the authenticated user id.
func (c *Client) Identity() string { return c.user.ID }

// DisplayName returns the authenticated user's name.
func (c *Client) DisplayName() string { return c.user.Name }

// State returns the lifecycle state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// Deliver queues payload without blocking. A full buffer marks the client
// as a slow consumer and closes its connection; the read pump then tears it
// down like any other disconnect.
func (c *Client) Deliver(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
	}

	if !c.overflowed {
		c.overflowed = true
		c.logger.Warn("send buffer full; closing slow connection", zap.Int("buffer", cap(c.send)))
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				c.logger.Debug("error closing slow connection", zap.Error(err))
			}
		}
	}
	return false
}

func (c *Client) activate() {
	c.mu.Lock()
	if c.state == StateAdmitted {
		c.state = StateActive
	}
	c.mu.Unlock()
}

// close marks the client closed and closes its send channel. It reports
// false when the client was already closed.
func (c *Client) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	close(c.send)
	return true
}

// remember records the members of a conversation this connection joined.
func (c *Client) remember(members []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		c.joined[m] = struct{}{}
	}
}

// joinedMembers returns every member seen in this connection's joins.
func (c *Client) joinedMembers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.joined))
	for m := range c.joined {
		out = append(out, m)
	}
	return out
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn("message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.logger.Debug("client disconnected", zap.Error(err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger.Debug("client connection closed", zap.Error(err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.logger.Warn("unexpected websocket close", zap.Error(err))
		return true
	}

	c.logger.Warn("websocket read error", zap.Error(err))
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn("rate limit exceeded; discarding event",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// readPump dispatches inbound frames one at a time, which is what gives a
// connection its event ordering.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.hub.dispatcher.Dispatch(c, rawMessage)
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
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error closing connection in writePump", zap.Error(err))
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes one envelope per frame, then flushes whatever is
// already queued so a burst costs one deadline update.
func (c *Client) writeTextMessage(message []byte) bool {
	if !c.writeFrame(message) {
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return c.writeCloseMessage()
		}
		if !c.writeFrame(queued) {
			return false
		}
	}
	return true
}

func (c *Client) writeFrame(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing ping", zap.Error(err))
		}
		return false
	}
	return true
}
