package crossings

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesaclub/mesa-server/internal/app/models"
	"github.com/mesaclub/mesa-server/internal/pkg/middleware"
)

// Handler serves the read-only crossed-paths projections. Nothing here
// mutates state; all writes flow through the orchestrator.
type Handler struct {
	logRepo LogRepository
	relRepo RelationshipRepository
	logger  *zap.Logger
}

func NewHandler(logRepo LogRepository, relRepo RelationshipRepository, logger *zap.Logger) *Handler {
	return &Handler{logRepo: logRepo, relRepo: relRepo, logger: logger}
}

// ListRelationships returns the authenticated user's active crossed-paths
// relationships.
func (h *Handler) ListRelationships(c *gin.Context) {
	userID, err := uuid.Parse(middleware.GetUserIDFromContext(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user identity"})
		return
	}

	relationships, err := h.relRepo.ListRelationships(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list relationships", zap.String("user_id", userID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list relationships"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"relationships": relationships})
}

// ListLogEntries serves the admin dashboard projection over the counter
// store, with optional filters.
func (h *Handler) ListLogEntries(c *gin.Context) {
	minCrossCount, _ := strconv.Atoi(c.DefaultQuery("min_cross_count", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	filter := models.LogEntryFilter{
		MinCrossCount: minCrossCount,
		VenueName:     c.Query("venue_name"),
		Sort:          c.DefaultQuery("sort", "updated_at"),
		Limit:         limit,
		Offset:        offset,
	}

	entries, err := h.logRepo.ListEntries(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list log entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list log entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
