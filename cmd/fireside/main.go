package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fireside-chat/fireside/internal/config"
	"github.com/fireside-chat/fireside/internal/engine"
	"github.com/fireside-chat/fireside/internal/handler"
	"github.com/fireside-chat/fireside/internal/history"
	"github.com/fireside-chat/fireside/internal/middleware"
	"github.com/fireside-chat/fireside/internal/registry"
	"github.com/fireside-chat/fireside/internal/service"
	"github.com/fireside-chat/fireside/internal/store"
	"github.com/fireside-chat/fireside/pkg/jwt"
	"github.com/fireside-chat/fireside/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log)
	l := log.L()

	if cfg.Auth.Secret == "" {
		l.Fatal().Msg("auth.secret (AUTH_SECRET) is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Message store
	msgStore, err := newStore(ctx, cfg)
	if err != nil {
		l.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to initialize message store")
	}
	defer msgStore.Close()
	l.Info().Str("backend", cfg.Storage.Backend).Msg("message store ready")

	// History page cache
	var pageCache history.PageCache
	if cfg.Cache.Enabled {
		cache, err := history.NewRedisPageCache(cfg.Cache.Redis, cfg.Cache.Prefix)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer cache.Close()
		pageCache = cache
		l.Info().Str("address", cfg.Cache.Redis.Address).Msg("connected to redis")
	}

	// Core
	reg := registry.New()
	eng := engine.New(msgStore, reg, cfg.Engine)
	hist := history.NewService(msgStore, pageCache, cfg.Cache.TTL)

	// Auth + rate limiting
	tokens := jwt.NewManager(cfg.Auth.Secret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	auth := middleware.NewAuthMiddleware(tokens)
	limiter := middleware.NewPerUserLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)

	chatSvc := service.NewChatService(eng, tokens, limiter)

	// HTTP surface
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(log.GinMiddleware(l))

	handler.NewWSHandler(chatSvc, cfg.WebSocket).RegisterRoutes(router)
	handler.NewSSEHandler(eng).RegisterRoutes(router, auth)
	handler.NewHTTPHandler(eng, hist).RegisterRoutes(router, auth, limiter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	// No WriteTimeout: SSE streams are long-lived responses.
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		l.Info().Str("addr", addr).Msg("fireside listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("server forced to shutdown")
	}

	l.Info().Msg("stopped")
}

func newStore(ctx context.Context, cfg *config.Config) (store.MessageStore, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.MinConns, cfg.Storage.Postgres.MaxConns)
	case "cassandra":
		return store.NewCassandraStore(cfg.Storage.Cassandra)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
