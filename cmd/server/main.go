package main

import (
	"context"
	"errors"
	"io/fs"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/logging"
	"github.com/Tyrowin/gochat/internal/persist"
	"github.com/Tyrowin/gochat/internal/presence"
	"github.com/Tyrowin/gochat/internal/server"
	"github.com/Tyrowin/gochat/internal/store"
)

const persistQueueName = "chat"

// chatStore is what the process needs from a backing store.
type chatStore interface {
	auth.UserFinder
	persist.Appender
	Close(ctx context.Context) error
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(err)
	}

	cfg := server.NewConfigFromEnv()
	logger := logging.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	if logging.IsProduction(cfg.Env) {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatal("open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTAlgorithm)
	if err != nil {
		logger.Fatal("configure token verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier, st,
		auth.WithCookieName(cfg.Auth.CookieName),
		auth.WithTimeout(cfg.Auth.Timeout),
		auth.WithLogger(logger.Named("auth")),
	)

	var (
		registryOpts []presence.RegistryOption
		redisClient  *redis.Client
		mirror       *presence.RedisMirror
	)
	if cfg.Presence.SingleConnection {
		registryOpts = append(registryOpts, presence.WithSingleConnection())
	}

	mirrorCtx, stopMirror := context.WithCancel(ctx)
	mirrorDone := make(chan struct{})
	if cfg.Presence.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Presence.RedisURL)
		if err != nil {
			logger.Fatal("parse REDIS_URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opt)
		mirror = presence.NewRedisMirror(redisClient, cfg.Presence.NodeID, cfg.Presence.TTL, logger.Named("presence"))
		registryOpts = append(registryOpts, presence.WithObserver(mirror))
		go func() {
			defer close(mirrorDone)
			mirror.Run(mirrorCtx)
		}()
	} else {
		close(mirrorDone)
	}
	registry := presence.NewRegistry(registryOpts...)

	var (
		appender    persist.Appender = st
		asynqClient *asynq.Client
		asynqServer *asynq.Server
	)
	if cfg.Persist.Queue == "asynq" {
		if cfg.Presence.RedisURL == "" {
			logger.Fatal("PERSIST_QUEUE=asynq requires REDIS_URL")
		}
		redisOpt, err := asynq.ParseRedisURI(cfg.Presence.RedisURL)
		if err != nil {
			logger.Fatal("parse REDIS_URL for asynq", zap.Error(err))
		}
		asynqClient = asynq.NewClient(redisOpt)
		appender = persist.NewQueueAppender(asynqClient, persist.QueueOptions{
			Queue:    persistQueueName,
			MaxRetry: cfg.Persist.MaxRetries,
			Timeout:  cfg.Persist.Timeout,
		})

		mux := asynq.NewServeMux()
		persist.RegisterHandlers(mux, st, logger.Named("persist"))
		asynqServer = persist.NewServer(redisOpt, persistQueueName, cfg.Persist.Workers, logger.Named("asynq"))
		if err := asynqServer.Start(mux); err != nil {
			logger.Fatal("start persist queue worker", zap.Error(err))
		}
	}

	writer := persist.NewWriter(appender, persist.Config{
		Workers:    cfg.Persist.Workers,
		QueueSize:  cfg.Persist.QueueSize,
		MaxRetries: cfg.Persist.MaxRetries,
		Timeout:    cfg.Persist.Timeout,
	}, logger.Named("persist"))

	dispatcher := server.NewDispatcher(registry, presence.NewOnlineSet(), writer,
		server.WithDisconnectScope(cfg.Presence.DisconnectBroadcast),
		server.WithDispatcherLogger(logger.Named("dispatch")),
	)
	hub := server.NewHub(dispatcher, logger.Named("hub"))
	server.StartHub(hub, logger)

	origins := server.NewOriginPolicy(cfg.AllowedOrigins, logger.Named("origin"))
	handlers := server.NewHandlers(hub, authenticator, origins, cfg.ClientConfig(), logger.Named("ws"))
	if mirror != nil {
		handlers.UseLocator(mirror)
	}
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers, origins, logger.Named("http")))

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"gochat": func(ctx context.Context) error {
			var errs []error
			errs = append(errs, server.ShutdownServer(ctx, httpServer, logger))
			errs = append(errs, hub.Shutdown(cfg.ShutdownTimeout/2))
			errs = append(errs, writer.Close(ctx))
			if asynqServer != nil {
				asynqServer.Shutdown()
			}
			if asynqClient != nil {
				errs = append(errs, asynqClient.Close())
			}
			stopMirror()
			<-mirrorDone
			if redisClient != nil {
				errs = append(errs, redisClient.Close())
			}
			errs = append(errs, st.Close(ctx))
			return errors.Join(errs...)
		},
	})

	exitCode := <-wait
	logger.Info("server exited", zap.Int("code", exitCode))
	_ = logger.Sync()
	os.Exit(exitCode)
}

func openStore(ctx context.Context, cfg server.StoreConfig) (chatStore, error) {
	switch cfg.Driver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres store")
		}
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.NewMongo(ctx, store.MongoConfig{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDB,
			MaxRetry: 3,
		})
	}
}
