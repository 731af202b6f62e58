// Package server wires HTTP handlers into a gin engine for the GoChat
// application via routing helpers.
package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRoutes configures and returns a gin engine with all application routes.
func SetupRoutes(h *Handlers, origins *OriginPolicy, logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger), origins.CORS())

	engine.GET("/", h.Health)
	engine.GET("/health", h.Health)
	engine.GET("/ws", h.WebSocket)

	api := engine.Group("/api/v1")
	api.GET("/online", h.Online)
	api.GET("/presence/:userId", h.Presence)

	return engine
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
