package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
	"go.uber.org/zap"

	"github.com/mesaclub/mesa-server/internal/app/domain/visits"
	"github.com/mesaclub/mesa-server/internal/app/models"
)

// WebhookHandler is the paid-ticket confirmation boundary. Payment intents,
// checkout and refunds are owned by the billing collaborator; the only thing
// this service consumes is the completed-checkout signal that proves a user
// paid for a seat at a venue.
type WebhookHandler struct {
	visitService  visits.Service
	webhookSecret string
	logger        *zap.Logger
}

func NewWebhookHandler(visitService visits.Service, webhookSecret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		visitService:  visitService,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// HandleStripeWebhook verifies the signature and translates
// checkout.session.completed events carrying visit metadata into a recorded
// visit.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("Stripe webhook signature verification failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	if event.Type != "checkout.session.completed" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		h.logger.Error("Failed to decode checkout session", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	userID, err := uuid.Parse(session.Metadata["user_id"])
	if err != nil {
		h.logger.Warn("Checkout session missing visit metadata",
			zap.String("session_id", session.ID))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	venueName := session.Metadata["venue_name"]
	if venueName == "" {
		h.logger.Warn("Checkout session missing venue name",
			zap.String("session_id", session.ID))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	lat, _ := strconv.ParseFloat(session.Metadata["venue_lat"], 64)
	lng, _ := strconv.ParseFloat(session.Metadata["venue_lng"], 64)

	// Deterministic visit id per checkout session: Stripe redelivers webhooks
	// on non-2xx, and the same session must map to the same visit.
	_, _, err = h.visitService.Record(c.Request.Context(), models.RecordVisitParams{
		VisitID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(session.ID)),
		UserID:    userID,
		VenueName: venueName,
		Latitude:  lat,
		Longitude: lng,
		VisitedAt: time.Unix(event.Created, 0),
		Source:    models.VisitSourcePaidTicket,
	})
	if err != nil {
		// Stripe retries on non-2xx; the visit write and every pair upsert
		// are idempotent under retry, the counter is not inflated.
		var partial *models.PartialCorrelationError
		if !errors.As(err, &partial) {
			h.logger.Error("Failed to record paid-ticket visit", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record visit"})
			return
		}
		h.logger.Warn("Paid-ticket visit recorded with pair failures",
			zap.Int("failed_pairs", len(partial.Failed)))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
