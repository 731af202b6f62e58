// Package server exposes HTTP handlers, including authenticated WebSocket
// upgrades, health checks, and the online-users snapshot.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/domain"
)

// Admitter authenticates an upgrade request.
type Admitter interface {
	Authenticate(ctx context.Context, r *http.Request) (*domain.User, error)
}

// Locator reports which node holds an identity's connections.
// presence.RedisMirror implements it.
type Locator interface {
	Lookup(ctx context.Context, identity string) (nodeID string, online bool, err error)
}

// Handlers serves the HTTP surface of the hub.
type Handlers struct {
	hub      *Hub
	auth     Admitter
	origins  *OriginPolicy
	locator  Locator
	upgrader websocket.Upgrader
	client   ClientConfig
	logger   *zap.Logger
}

// NewHandlers wires handlers to hub, admitting connections through admitter.
func NewHandlers(hub *Hub, admitter Admitter, origins *OriginPolicy, cfg ClientConfig, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		hub:     hub,
		auth:    admitter,
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		client: cfg,
		logger: logger,
	}
}

// UseLocator makes the presence route answer from the cluster-wide view
// instead of this node's registry.
func (h *Handlers) UseLocator(l Locator) {
	h.locator = l
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"message": auth.ErrUnauthenticated.Error(),
	})
}

// WebSocket admits and upgrades a connection. Authentication completes
// before the upgrade, so a rejected attempt never becomes a Client and no
// event from it is ever dispatched.
func (h *Handlers) WebSocket(c *gin.Context) {
	r := c.Request
	log := h.logger.With(zap.String("addr", r.RemoteAddr))

	if !h.origins.CheckOrigin(r) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "Origin not allowed"})
		return
	}

	log.Debug("connection state", zap.Stringer("state", StateAuthenticating))
	user, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		log.Info("connection state", zap.Stringer("state", StateRejected))
		unauthorized(c)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, *user, h.hub, r.RemoteAddr, h.client, h.logger)
	if err := h.hub.Register(client); err != nil {
		log.Warn("rejecting connection", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			deadline())
		_ = conn.Close()
	}
}

// Health provides a simple liveness check.
func (h *Handlers) Health(c *gin.Context) {
	c.String(http.StatusOK, "GoChat server is running!")
}

// Online returns the current online-users snapshot to an authenticated
// caller.
func (h *Handlers) Online(c *gin.Context) {
	if _, err := h.auth.Authenticate(c.Request.Context(), c.Request); err != nil {
		unauthorized(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"users":     h.hub.Dispatcher().OnlineUsers(),
		"connected": h.hub.Dispatcher().ConnectedUsers(),
	})
}

// Presence reports whether a user has a live connection and, when a
// Locator is configured, which node holds it.
func (h *Handlers) Presence(c *gin.Context) {
	if _, err := h.auth.Authenticate(c.Request.Context(), c.Request); err != nil {
		unauthorized(c)
		return
	}

	identity := c.Param("userId")
	if h.locator == nil {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"userId":  identity,
			"online":  h.hub.Dispatcher().Reachable(identity),
		})
		return
	}

	node, online, err := h.locator.Lookup(c.Request.Context(), identity)
	if err != nil {
		h.logger.Warn("presence lookup failed", zap.String("user", identity), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "Presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"userId":  identity,
		"online":  online,
		"node":    node,
	})
}
