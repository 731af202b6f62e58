// Package server normalizes and validates HTTP origins for WebSocket and API
// requests to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OriginPolicy is the set of browser origins allowed to connect.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *zap.Logger
}

// NewOriginPolicy builds a policy from configured origins. "*" allows any
// origin; entries that are not scheme://host are ignored.
func NewOriginPolicy(origins []string, logger *zap.Logger) *OriginPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins)), logger: logger}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
		case trimmed == "*":
			p.allowAll = true
		default:
			normalized, ok := normalizeOrigin(trimmed)
			if !ok {
				logger.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
				continue
			}
			p.allowed[normalized] = struct{}{}
		}
	}
	return p
}

func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// Allowed reports whether r carries an Origin header on the allow-list.
// Requests without an Origin header are refused.
func (p *OriginPolicy) Allowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// CheckOrigin is the websocket.Upgrader hook.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	if p.Allowed(r) {
		return true
	}

	p.logger.Warn("blocked connection from disallowed origin", zap.String("origin", r.Header.Get("Origin")))
	return false
}

// CORS answers preflight requests and sets credentialed CORS headers for
// allowed origins. Disallowed origins get no CORS headers; the browser
// blocks them.
func (p *OriginPolicy) CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p.Allowed(c.Request) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", c.Request.Header.Get("Origin"))
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
