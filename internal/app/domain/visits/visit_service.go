package visits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mesaclub/mesa-server/internal/app/domain/crossings"
	"github.com/mesaclub/mesa-server/internal/app/domain/venues"
	"github.com/mesaclub/mesa-server/internal/app/models"
	"github.com/mesaclub/mesa-server/internal/app/observability/metrics"
)

// Ensure implementation satisfies the interface
var _ Service = (*ServiceImpl)(nil)

// Service is the visit recorder: the single entry point through which the
// RSVP-confirmation, paid-ticket and manual check-in collaborators notify a
// confirmed visit.
type Service interface {
	// Record appends the visit and drives correlation. The visit event is
	// returned whenever the write succeeded, even if correlation failed; a
	// *models.PartialCorrelationError signals isolated pair failures, any
	// other error means the whole correlation run should be retried.
	Record(ctx context.Context, params models.RecordVisitParams) (*models.VisitEvent, *models.CorrelationResult, error)
	GetVisit(ctx context.Context, id uuid.UUID) (*models.VisitEvent, error)
	ListUserVisits(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.VisitEvent, error)
}

type ServiceImpl struct {
	logger     *zap.Logger
	repo       Repository
	resolver   venues.Resolver
	dispatcher crossings.Dispatcher
	metrics    *metrics.AppMetrics
}

func NewService(repo Repository, resolver venues.Resolver, dispatcher crossings.Dispatcher, logger *zap.Logger) *ServiceImpl {
	return &ServiceImpl{
		logger:     logger,
		repo:       repo,
		resolver:   resolver,
		dispatcher: dispatcher,
	}
}

// WithMetrics attaches the application metric instruments.
func (s *ServiceImpl) WithMetrics(m *metrics.AppMetrics) *ServiceImpl {
	s.metrics = m
	return s
}

func (s *ServiceImpl) Record(ctx context.Context, params models.RecordVisitParams) (*models.VisitEvent, *models.CorrelationResult, error) {
	ctx, span := otel.Tracer("visitService").Start(ctx, "Record", trace.WithAttributes(
		attribute.String("user.id", params.UserID.String()),
		attribute.String("venue.name", params.VenueName),
		attribute.String("visit.source", string(params.Source)),
	))
	defer span.End()

	l := s.logger.With(zap.String("method", "Record"),
		zap.String("userID", params.UserID.String()),
		zap.String("venueName", params.VenueName),
		zap.String("source", string(params.Source)))

	if params.UserID == uuid.Nil {
		return nil, nil, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	if params.VenueName == "" {
		return nil, nil, fmt.Errorf("%w: venue name is required", models.ErrValidation)
	}

	event := &models.VisitEvent{
		ID:        params.VisitID,
		UserID:    params.UserID,
		VenueName: params.VenueName,
		Latitude:  params.Latitude,
		Longitude: params.Longitude,
		VisitedAt: params.VisitedAt,
	}

	venue, err := s.resolver.ResolveVenue(ctx, params.VenueName)
	switch {
	case err == nil:
		event.VenueID = &venue.ID
		if event.Latitude == 0 && event.Longitude == 0 {
			event.Latitude = venue.Latitude
			event.Longitude = venue.Longitude
		}
	case errors.Is(err, models.ErrVenueNotResolved):
		// The visit is still recorded; it just cannot be correlated.
		l.Warn("Venue not in catalogue, visit excluded from correlation")
	default:
		l.Error("Venue resolution failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Venue resolution failed")
		return nil, nil, fmt.Errorf("error resolving venue: %w", err)
	}

	if err := s.repo.CreateVisit(ctx, event); err != nil {
		l.Error("Failed to record visit", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to record visit")
		return nil, nil, fmt.Errorf("error recording visit: %w", err)
	}

	if s.metrics != nil {
		s.metrics.VisitsRecordedTotal.Add(ctx, 1)
	}

	l.Info("Visit recorded", zap.String("visitID", event.ID.String()))

	result, err := s.dispatcher.Dispatch(ctx, event)
	if err != nil {
		var partial *models.PartialCorrelationError
		if errors.As(err, &partial) {
			// The committed pairs and the visit row stand.
			l.Warn("Correlation completed with pair failures",
				zap.Int("failed_pairs", len(partial.Failed)))
			span.SetStatus(codes.Ok, "Visit recorded, correlation partially failed")
			return event, result, err
		}
		l.Error("Correlation failed, visit row stands", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Correlation failed")
		return event, nil, fmt.Errorf("visit recorded but correlation failed: %w", err)
	}

	span.SetStatus(codes.Ok, "Visit recorded and correlated")
	return event, result, nil
}

func (s *ServiceImpl) GetVisit(ctx context.Context, id uuid.UUID) (*models.VisitEvent, error) {
	return s.repo.GetVisit(ctx, id)
}

func (s *ServiceImpl) ListUserVisits(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.VisitEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListUserVisits(ctx, userID, limit, offset)
}
