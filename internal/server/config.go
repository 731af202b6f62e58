// Package server provides configuration helpers that define runtime defaults,
// validation, and environment loading for the GoChat service.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Disconnect broadcast scopes.
const (
	// DisconnectGlobal sends the updated online list to every connection.
	DisconnectGlobal = "global"
	// DisconnectMembers sends it only to members of conversations the
	// departing connection joined.
	DisconnectMembers = "members"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// AuthConfig controls connection admission.
type AuthConfig struct {
	JWTSecret    string
	JWTAlgorithm string
	CookieName   string
	Timeout      time.Duration
}

// StoreConfig selects and locates the user and message store.
type StoreConfig struct {
	Driver      string
	MongoURI    string
	MongoDB     string
	DatabaseURL string
}

// PresenceConfig controls the presence registry and its Redis mirror.
type PresenceConfig struct {
	RedisURL            string
	NodeID              string
	TTL                 time.Duration
	SingleConnection    bool
	DisconnectBroadcast string
}

// PersistConfig tunes the message persistence writer.
type PersistConfig struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	Timeout    time.Duration
	Queue      string
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string
	Env             string
	LogLevel        string
	AllowedOrigins  []string
	MaxMessageSize  int64
	SendBufferSize  int
	ShutdownTimeout time.Duration
	RateLimit       RateLimitConfig
	Auth            AuthConfig
	Store           StoreConfig
	Presence        PresenceConfig
	Persist         PersistConfig
}

func defaultConfig() Config {
	return Config{
		Port:     ":8080",
		Env:      "development",
		LogLevel: "info",
		AllowedOrigins: []string{
			"http://localhost:8080",
			"http://localhost:3000",
		},
		MaxMessageSize:  8192,
		SendBufferSize:  256,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Auth: AuthConfig{
			JWTAlgorithm: "HS256",
			CookieName:   "chattu-token",
			Timeout:      10 * time.Second,
		},
		Store: StoreConfig{
			Driver:   "mongo",
			MongoURI: "mongodb://localhost:27017",
			MongoDB:  "chattu",
		},
		Presence: PresenceConfig{
			TTL:                 30 * time.Second,
			DisconnectBroadcast: DisconnectGlobal,
		},
		Persist: PersistConfig{
			Workers:   4,
			QueueSize: 1024,
			Timeout:   5 * time.Second,
			Queue:     "direct",
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.Env == "" {
		cfg.Env = def.Env
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.Auth.JWTAlgorithm == "" {
		cfg.Auth.JWTAlgorithm = def.Auth.JWTAlgorithm
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = def.Auth.CookieName
	}
	if cfg.Auth.Timeout <= 0 {
		cfg.Auth.Timeout = def.Auth.Timeout
	}

	switch cfg.Store.Driver {
	case "mongo", "postgres", "memory":
	default:
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.MongoDB == "" {
		cfg.Store.MongoDB = def.Store.MongoDB
	}

	if cfg.Presence.TTL <= 0 {
		cfg.Presence.TTL = def.Presence.TTL
	}
	if cfg.Presence.DisconnectBroadcast != DisconnectMembers {
		cfg.Presence.DisconnectBroadcast = DisconnectGlobal
	}
	if cfg.Presence.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Presence.NodeID = host
		}
	}

	if cfg.Persist.Workers <= 0 {
		cfg.Persist.Workers = def.Persist.Workers
	}
	if cfg.Persist.QueueSize <= 0 {
		cfg.Persist.QueueSize = def.Persist.QueueSize
	}
	if cfg.Persist.MaxRetries < 0 {
		cfg.Persist.MaxRetries = 0
	}
	if cfg.Persist.Timeout <= 0 {
		cfg.Persist.Timeout = def.Persist.Timeout
	}
	if cfg.Persist.Queue != "asynq" {
		cfg.Persist.Queue = def.Persist.Queue
	}

	normalized, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	if allowAll {
		normalized = append(normalized, "*")
	}
	cfg.AllowedOrigins = normalized

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := sanitizeConfig(defaultConfig())
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	cfg.Env = envString("ENV", cfg.Env)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	cfg.SendBufferSize = envInt("SEND_BUFFER_SIZE", cfg.SendBufferSize)
	cfg.ShutdownTimeout = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	cfg.Auth.JWTSecret = envString("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.JWTAlgorithm = envString("JWT_ALGORITHM", cfg.Auth.JWTAlgorithm)
	cfg.Auth.CookieName = envString("AUTH_COOKIE", cfg.Auth.CookieName)
	cfg.Auth.Timeout = envDuration("AUTH_TIMEOUT", cfg.Auth.Timeout)

	cfg.Store.Driver = strings.ToLower(envString("STORE_DRIVER", cfg.Store.Driver))
	cfg.Store.MongoURI = envString("MONGO_URI", cfg.Store.MongoURI)
	cfg.Store.MongoDB = envString("MONGO_DB", cfg.Store.MongoDB)
	cfg.Store.DatabaseURL = envString("DATABASE_URL", cfg.Store.DatabaseURL)

	cfg.Presence.RedisURL = envString("REDIS_URL", cfg.Presence.RedisURL)
	cfg.Presence.NodeID = envString("PRESENCE_NODE_ID", cfg.Presence.NodeID)
	cfg.Presence.TTL = envDuration("PRESENCE_TTL", cfg.Presence.TTL)
	cfg.Presence.SingleConnection = envBool("PRESENCE_SINGLE_CONNECTION", cfg.Presence.SingleConnection)
	cfg.Presence.DisconnectBroadcast = strings.ToLower(envString("DISCONNECT_BROADCAST", cfg.Presence.DisconnectBroadcast))

	cfg.Persist.Workers = envInt("PERSIST_WORKERS", cfg.Persist.Workers)
	cfg.Persist.QueueSize = envInt("PERSIST_QUEUE_SIZE", cfg.Persist.QueueSize)
	if retries := os.Getenv("PERSIST_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil && n >= 0 {
			cfg.Persist.MaxRetries = n
		}
	}
	cfg.Persist.Timeout = envDuration("PERSIST_TIMEOUT", cfg.Persist.Timeout)
	cfg.Persist.Queue = strings.ToLower(envString("PERSIST_QUEUE", cfg.Persist.Queue))

	cfg = sanitizeConfig(cfg)
	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts whole seconds ("2") or a Go duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func envString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		return parseIntValue(value, defaultValue)
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		return parseRefillInterval(value, defaultValue)
	}
	return defaultValue
}

func envBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
