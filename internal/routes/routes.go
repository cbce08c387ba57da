package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mesaclub/mesa-server/internal/app/domain/billing"
	"github.com/mesaclub/mesa-server/internal/app/domain/crossings"
	"github.com/mesaclub/mesa-server/internal/app/domain/venues"
	"github.com/mesaclub/mesa-server/internal/app/domain/visits"
	"github.com/mesaclub/mesa-server/internal/app/observability/metrics"
	"github.com/mesaclub/mesa-server/internal/pkg/config"
	"github.com/mesaclub/mesa-server/internal/pkg/middleware"
)

type AppHandlers struct {
	Visits    *visits.Handler
	Venues    *venues.Handler
	Crossings *crossings.Handler
	Billing   *billing.WebhookHandler
}

// Setup wires repositories, services and handlers onto the router. The
// returned worker is non-nil only in queue mode; the caller owns running it.
func Setup(r *gin.Engine, dbPool *pgxpool.Pool, cfg *config.Config, logger *zap.Logger) (*AppHandlers, *crossings.Worker, error) {
	appMetrics := metrics.Get()

	// Repositories
	visitRepo := visits.NewRepository(dbPool)
	venueRepo := venues.NewRepository(dbPool)
	logRepo := crossings.NewLogRepository(dbPool)
	relRepo := crossings.NewRelationshipRepository(dbPool)

	// Engine
	resolver := venues.NewCatalogueResolver(venueRepo, logger)
	orchestrator := crossings.NewOrchestrator(logRepo, relRepo, visitRepo, logger,
		crossings.WithWindow(cfg.Correlation.Window),
		crossings.WithMaxWorkers(cfg.Correlation.MaxWorkers),
		crossings.WithMetrics(appMetrics),
	)

	var dispatcher crossings.Dispatcher
	var worker *crossings.Worker
	switch cfg.Correlation.Mode {
	case config.CorrelationModeQueue:
		queueDispatcher, err := crossings.NewQueueDispatcher(cfg.AMQP.URL, cfg.AMQP.QueueName, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to setup queue dispatcher: %w", err)
		}
		dispatcher = queueDispatcher
		worker = crossings.NewWorker(queueDispatcher, orchestrator, logger)
	default:
		dispatcher = crossings.NewSyncDispatcher(orchestrator)
	}

	visitService := visits.NewService(visitRepo, resolver, dispatcher, logger).WithMetrics(appMetrics)

	handlers := &AppHandlers{
		Visits:    visits.NewHandler(visitService, logger),
		Venues:    venues.NewHandler(venueRepo, logger),
		Crossings: crossings.NewHandler(logRepo, relRepo, logger),
		Billing:   billing.NewWebhookHandler(visitService, cfg.Stripe.WebhookSecret, logger),
	}

	auth := middleware.JWTAuthMiddleware(middleware.JWTConfig{
		SecretKey: cfg.Auth.JWTSecret,
		Logger:    logger,
	})

	api := r.Group("/api/v1")
	{
		// Webhook endpoints authenticate by signature, not by JWT.
		api.POST("/billing/webhook", handlers.Billing.HandleStripeWebhook)

		authed := api.Group("", auth)
		{
			authed.POST("/visits", handlers.Visits.RecordVisit)
			authed.GET("/visits", handlers.Visits.ListVisits)
			authed.POST("/hooks/rsvp-confirmed", handlers.Visits.RSVPConfirmed)
			authed.GET("/venues/:id", handlers.Venues.GetVenue)
			authed.POST("/venues", handlers.Venues.CreateVenue)
			authed.GET("/crossed-paths", handlers.Crossings.ListRelationships)
			authed.GET("/crossed-paths/log", handlers.Crossings.ListLogEntries)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return handlers, worker, nil
}
