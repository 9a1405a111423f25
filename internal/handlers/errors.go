package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"droptracker/internal/cache"
	"droptracker/internal/database"
	"droptracker/internal/ingest"
	"droptracker/internal/models"

	"github.com/gin-gonic/gin"
)

// respondError maps domain errors to HTTP statuses.
func respondError(c *gin.Context, log *slog.Logger, err error) {
	var parseErr *ingest.ParseError
	var writeErr *database.DurableWriteError
	var storeErr *cache.TransientStoreError

	switch {
	case errors.As(err, &parseErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: parseErr.Error()})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found"})
	case errors.Is(err, cache.ErrStatsUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: cache.ErrStatsUnavailable.Error()})
	case errors.As(err, &writeErr):
		log.Error("drops lost", "player_id", writeErr.PlayerID, "events", writeErr.Events, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to persist drops"})
	case errors.As(err, &storeErr):
		log.Warn("cache store error", "op", storeErr.Op, "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Cache temporarily unavailable"})
	default:
		log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

func playerIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid player id"})
		return 0, false
	}
	return id, true
}

// partitionQuery reads the optional ?partition=YYYYMM parameter.
func partitionQuery(c *gin.Context) (models.Partition, bool) {
	raw := c.Query("partition")
	if raw == "" {
		return models.NoPartition, true
	}
	p, err := models.ParsePartition(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return models.NoPartition, false
	}
	return p, true
}
