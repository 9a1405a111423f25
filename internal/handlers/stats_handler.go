package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"droptracker/internal/cache"
	"droptracker/internal/ingest"
	"droptracker/internal/logging"
	"droptracker/internal/metrics"
	"droptracker/internal/models"
	"droptracker/internal/ranking"

	"github.com/gin-gonic/gin"
)

type StatsService interface {
	GetPlayerStats(ctx context.Context, playerID int64, p models.Partition) (*cache.PlayerStats, error)
	RebuildCache(ctx context.Context, playerID int64) error
	InvalidateCache(ctx context.Context, playerID int64, p models.Partition) error
}

type Ranker interface {
	GlobalRankings(ctx context.Context, p models.Partition) ([]ranking.Entry, error)
	PlayerRank(ctx context.Context, playerID int64, p models.Partition) (ranking.Rank, error)
}

type StatsHandler struct {
	stats  StatsService
	ranker Ranker
	log    *slog.Logger
}

func NewStatsHandler(stats StatsService, ranker Ranker) *StatsHandler {
	return &StatsHandler{
		stats:  stats,
		ranker: ranker,
		log:    logging.Component("stats"),
	}
}

// GetPlayerStats returns lifetime and optional monthly stats
// @Summary Get player stats
// @Description Lifetime totals plus the given month's items and bosses; rebuilt from history on a cache miss
// @Tags stats
// @Produce json
// @Param id path int true "Player ID"
// @Param partition query string false "Month as YYYYMM"
// @Security ApiKeyAuth
// @Success 200 {object} cache.PlayerStats
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/players/{id}/stats [get]
func (h *StatsHandler) GetPlayerStats(c *gin.Context) {
	playerID, ok := playerIDParam(c)
	if !ok {
		return
	}
	p, ok := partitionQuery(c)
	if !ok {
		return
	}

	stats, err := h.stats.GetPlayerStats(c.Request.Context(), playerID, p)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RebuildPlayer recomputes a player's cached stats
// @Summary Rebuild player stats
// @Tags stats
// @Produce json
// @Param id path int true "Player ID"
// @Security ApiKeyAuth
// @Success 200 {object} SuccessResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/players/{id}/rebuild [post]
func (h *StatsHandler) RebuildPlayer(c *gin.Context) {
	playerID, ok := playerIDParam(c)
	if !ok {
		return
	}
	if err := h.stats.RebuildCache(c.Request.Context(), playerID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Stats rebuilt"})
}

// InvalidatePlayer drops cached entries for a player
// @Summary Invalidate player stats
// @Description Without a partition only the lifetime entry is removed
// @Tags stats
// @Produce json
// @Param id path int true "Player ID"
// @Param partition query string false "Month as YYYYMM"
// @Security ApiKeyAuth
// @Success 200 {object} SuccessResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/players/{id}/invalidate [post]
func (h *StatsHandler) InvalidatePlayer(c *gin.Context) {
	playerID, ok := playerIDParam(c)
	if !ok {
		return
	}
	p, ok := partitionQuery(c)
	if !ok {
		return
	}
	if err := h.stats.InvalidateCache(c.Request.Context(), playerID, p); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Cache invalidated"})
}

// GetPlayerRank returns a player's position in the global ranking
// @Summary Get player rank
// @Tags rankings
// @Produce json
// @Param id path int true "Player ID"
// @Param partition query string false "Month as YYYYMM"
// @Security ApiKeyAuth
// @Success 200 {object} ranking.Rank
// @Failure 503 {object} ErrorResponse
// @Router /api/players/{id}/rank [get]
func (h *StatsHandler) GetPlayerRank(c *gin.Context) {
	playerID, ok := playerIDParam(c)
	if !ok {
		return
	}
	p, ok := partitionQuery(c)
	if !ok {
		return
	}

	rank, err := h.ranker.PlayerRank(c.Request.Context(), playerID, p)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rank)
}

// GetRankings returns every player ordered by value
// @Summary Get global rankings
// @Tags rankings
// @Produce json
// @Param partition query string false "Month as YYYYMM"
// @Security ApiKeyAuth
// @Success 200 {object} RankingsResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/rankings [get]
func (h *StatsHandler) GetRankings(c *gin.Context) {
	p, ok := partitionQuery(c)
	if !ok {
		return
	}

	entries, err := h.ranker.GlobalRankings(c.Request.Context(), p)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := RankingsResponse{
		GeneratedAt:  time.Now().UTC(),
		Rankings:     entries,
		TotalPlayers: len(entries),
	}
	if p.IsSet() {
		resp.Partition = p.String()
	}
	c.JSON(http.StatusOK, resp)
}

type RankingsResponse struct {
	Partition    string          `json:"partition,omitempty"`
	GeneratedAt  time.Time       `json:"generated_at"`
	Rankings     []ranking.Entry `json:"rankings"`
	TotalPlayers int             `json:"total_players"`
}

// HealthChecker reports cache store reachability.
type HealthChecker interface {
	IsAvailable(ctx context.Context) bool
}

type MetricsReader interface {
	Counts(ctx context.Context) (map[string]metrics.Snapshot, error)
}

type BatcherStats interface {
	Stats() ingest.StatsSnapshot
}

type HealthHandler struct {
	cache   HealthChecker
	metrics MetricsReader
	batcher BatcherStats
}

func NewHealthHandler(store HealthChecker, counts MetricsReader, batcher BatcherStats) *HealthHandler {
	return &HealthHandler{cache: store, metrics: counts, batcher: batcher}
}

// Health reports service status
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Redis:     h.cache.IsAvailable(ctx),
		Batcher:   h.batcher.Stats(),
	}
	if !resp.Redis {
		resp.Status = "degraded"
	} else if counts, err := h.metrics.Counts(ctx); err == nil {
		resp.Metrics = counts
	}
	c.JSON(http.StatusOK, resp)
}

type HealthResponse struct {
	Status    string                      `json:"status"`
	Timestamp int64                       `json:"timestamp"`
	Redis     bool                        `json:"redis"`
	Batcher   ingest.StatsSnapshot        `json:"batcher"`
	Metrics   map[string]metrics.Snapshot `json:"metrics,omitempty"`
}
