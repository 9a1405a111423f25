package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"droptracker/internal/ingest"
	"droptracker/internal/logging"
	"droptracker/internal/models"

	"github.com/gin-gonic/gin"
)

type DropSubmitter interface {
	Submit(ctx context.Context, e models.DropEvent) error
}

type DropDeleter interface {
	DeleteDrop(ctx context.Context, dropID int64) (models.DropEvent, error)
}

// DropCorrector re-derives a player's cached stats after a deletion.
type DropCorrector interface {
	InvalidateCache(ctx context.Context, playerID int64, p models.Partition) error
	RebuildCache(ctx context.Context, playerID int64) error
}

type DropHandler struct {
	parser    *ingest.Parser
	submitter DropSubmitter
	store     DropDeleter
	stats     DropCorrector
	log       *slog.Logger
}

func NewDropHandler(parser *ingest.Parser, submitter DropSubmitter, store DropDeleter, stats DropCorrector) *DropHandler {
	return &DropHandler{
		parser:    parser,
		submitter: submitter,
		store:     store,
		stats:     stats,
		log:       logging.Component("drops"),
	}
}

// SubmitDrop queues a drop for persistence
// @Summary Submit a drop
// @Description Validate a drop and queue it for its player's next batch
// @Tags drops
// @Accept json
// @Produce json
// @Param request body ingest.RawDrop true "Drop"
// @Security ApiKeyAuth
// @Success 202 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/drops [post]
func (h *DropHandler) SubmitDrop(c *gin.Context) {
	var raw ingest.RawDrop
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	e, err := h.parser.Parse(c.Request.Context(), raw)
	if err != nil {
		h.log.Info("drop rejected", "error", err)
		respondError(c, h.log, err)
		return
	}

	if err := h.submitter.Submit(c.Request.Context(), e); err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusAccepted, SuccessResponse{
		Message: "Drop queued",
		Data:    e,
	})
}

// DeleteDrop removes a drop as a correction
// @Summary Delete a drop
// @Description Soft-delete a stored drop and rebuild the player's cached stats
// @Tags drops
// @Produce json
// @Param id path int true "Drop ID"
// @Security ApiKeyAuth
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/drops/{id} [delete]
func (h *DropHandler) DeleteDrop(c *gin.Context) {
	dropID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || dropID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid drop id"})
		return
	}
	ctx := c.Request.Context()

	removed, err := h.store.DeleteDrop(ctx, dropID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	// Rebuild only rewrites partitions that still hold drops, so the drop's
	// own partition is cleared first.
	if err := h.stats.InvalidateCache(ctx, removed.PlayerID, removed.Partition()); err != nil {
		h.log.Error("invalidate after drop delete", "drop_id", dropID, "player_id", removed.PlayerID, "error", err)
	} else if err := h.stats.RebuildCache(ctx, removed.PlayerID); err != nil {
		// The lifetime entry is gone; the next read rebuilds.
		h.log.Warn("rebuild after drop delete", "drop_id", dropID, "player_id", removed.PlayerID, "error", err)
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Drop removed",
		Data:    removed,
	})
}
