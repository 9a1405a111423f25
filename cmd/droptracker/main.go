package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"droptracker/configs"
	"droptracker/internal/cache"
	"droptracker/internal/database"
	"droptracker/internal/handlers"
	"droptracker/internal/ingest"
	"droptracker/internal/logging"
	"droptracker/internal/metrics"
	"droptracker/internal/ranking"
	"droptracker/internal/services"

	"github.com/gin-gonic/gin"
)

// @title Droptracker API
// @version 1.0
// @description Loot statistics for game-drop communities: drop ingestion, monthly and lifetime stats, global rankings

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	cfg, err := configs.Load()
	if err != nil {
		logging.Component("main").Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	log := logging.Component("main")

	// Initialize database
	db, err := database.Open(database.Options{
		URL:      cfg.DatabaseURL,
		ReadURLs: cfg.DatabaseReadURLs,
		Timeout:  cfg.DatabaseTimeout,
	})
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize cache
	cacheClient := cache.NewClient(cache.Options{URL: cfg.RedisURL, Timeout: cfg.CacheTimeout})
	defer cacheClient.Close()

	stats := cache.NewStatsCache(cacheClient, db, cfg.PartitionCacheTTL)
	tracker := metrics.NewTracker(cacheClient)
	batcher := ingest.NewBatcher(db, stats, cfg.BatchSize,
		ingest.WithNotifier(stats),
		ingest.WithCounter(tracker),
	)
	parser := ingest.NewParser(ingest.NewNPCResolver(db, cfg.NPCCacheTTL))
	engine := ranking.NewEngine(stats, db, cfg.RankingConcurrency)
	authService := services.NewAuthService(db.WriteDB, cfg.JWTSecret, cfg.JWTTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wsHandler *handlers.WebSocketHandler
	if cfg.EnableWebSocket {
		wsHandler = handlers.NewWebSocketHandler()
		go wsHandler.RunHub(ctx)

		sub := cacheClient.Subscribe(ctx, cache.UpdatesChannel)
		defer sub.Close()
		go wsHandler.Relay(ctx, sub)
	}

	if os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Auth:             authService,
		RateLimiter:      cacheClient,
		RateLimitPerHour: cfg.RateLimitPerHour,
		Clients:          handlers.NewClientHandler(authService),
		Drops:            handlers.NewDropHandler(parser, batcher, db, stats),
		Stats:            handlers.NewStatsHandler(stats, engine),
		Health:           handlers.NewHealthHandler(cacheClient, tracker, batcher),
		WebSocket:        wsHandler,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", "addr", srv.Addr, "batch_size", cfg.BatchSize)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// Stop accepting requests first, then persist whatever is still queued.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := batcher.FlushAll(shutdownCtx); err != nil {
		log.Error("final flush lost drops", "error", err)
	}
	log.Info("stopped", "batcher", batcher.Stats())
}
