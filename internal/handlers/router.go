package handlers

import (
	"droptracker/internal/middleware"
	"droptracker/internal/services"

	"github.com/gin-gonic/gin"
)

type RouterConfig struct {
	Auth             *services.AuthService
	RateLimiter      middleware.Counter
	RateLimitPerHour int

	Clients   *ClientHandler
	Drops     *DropHandler
	Stats     *StatsHandler
	Health    *HealthHandler
	WebSocket *WebSocketHandler // nil disables /ws
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.ValidationMiddleware())
	router.Use(middleware.CORS())

	// Public routes
	router.POST("/api/register", cfg.Clients.RegisterClient)
	router.GET("/health", cfg.Health.Health)

	// Protected routes
	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(cfg.Auth))
	protected.Use(middleware.RateLimitMiddleware(cfg.RateLimiter, cfg.RateLimitPerHour))

	protected.POST("/drops", cfg.Drops.SubmitDrop)
	protected.DELETE("/drops/:id", cfg.Drops.DeleteDrop)

	protected.GET("/players/:id/stats", cfg.Stats.GetPlayerStats)
	protected.POST("/players/:id/rebuild", cfg.Stats.RebuildPlayer)
	protected.POST("/players/:id/invalidate", cfg.Stats.InvalidatePlayer)
	protected.GET("/players/:id/rank", cfg.Stats.GetPlayerRank)
	protected.GET("/rankings", cfg.Stats.GetRankings)

	if cfg.WebSocket != nil {
		router.GET("/ws", cfg.WebSocket.HandleConnections)
	}

	return router
}
