package visits

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesaclub/mesa-server/internal/app/models"
	"github.com/mesaclub/mesa-server/internal/pkg/middleware"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type recordVisitRequest struct {
	VenueName string     `json:"venue_name" binding:"required"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	VisitedAt *time.Time `json:"visited_at"`
}

type rsvpConfirmedRequest struct {
	UserID    string     `json:"user_id" binding:"required"`
	VenueName string     `json:"venue_name" binding:"required"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	VisitedAt *time.Time `json:"visited_at"`
}

// RecordVisit handles a manual check-in by the authenticated user.
func (h *Handler) RecordVisit(c *gin.Context) {
	userID, err := uuid.Parse(middleware.GetUserIDFromContext(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user identity"})
		return
	}

	var req recordVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.record(c, models.RecordVisitParams{
		UserID:    userID,
		VenueName: req.VenueName,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		VisitedAt: timeOrNow(req.VisitedAt),
		Source:    models.VisitSourceCheckIn,
	})
}

// RSVPConfirmed is the inbound trigger for the RSVP-confirmation
// collaborator, which has already verified attendance.
func (h *Handler) RSVPConfirmed(c *gin.Context) {
	var req rsvpConfirmedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	h.record(c, models.RecordVisitParams{
		UserID:    userID,
		VenueName: req.VenueName,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		VisitedAt: timeOrNow(req.VisitedAt),
		Source:    models.VisitSourceRSVP,
	})
}

func (h *Handler) record(c *gin.Context, params models.RecordVisitParams) {
	event, result, err := h.service.Record(c.Request.Context(), params)
	if err != nil {
		var partial *models.PartialCorrelationError
		switch {
		case errors.As(err, &partial):
			// Committed pairs and the visit itself stand.
			c.JSON(http.StatusCreated, gin.H{
				"visit":        event,
				"correlation":  result,
				"failed_pairs": len(partial.Failed),
			})
		case errors.Is(err, models.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case event != nil:
			// Visit written, correlation run failed wholesale. Retryable.
			h.logger.Error("Correlation failed after visit write", zap.Error(err))
			c.JSON(http.StatusAccepted, gin.H{
				"visit": event,
				"error": "visit recorded, correlation pending retry",
			})
		default:
			h.logger.Error("Failed to record visit", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record visit"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"visit":       event,
		"correlation": result,
	})
}

// ListVisits returns the authenticated user's visit history.
func (h *Handler) ListVisits(c *gin.Context) {
	userID, err := uuid.Parse(middleware.GetUserIDFromContext(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user identity"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	visitList, err := h.service.ListUserVisits(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list visits", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list visits"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"visits": visitList})
}

func timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}
