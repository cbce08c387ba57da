package crossings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesaclub/mesa-server/internal/app/models"
	"github.com/mesaclub/mesa-server/internal/app/observability/metrics"
)

// Ensure implementation satisfies the interface
var _ Orchestrator = (*OrchestratorImpl)(nil)

// CoVisitorSource lists the users other than excludeUserID with a recorded
// visit at a venue. A zero since means all time.
type CoVisitorSource interface {
	ListVenueCoVisitors(ctx context.Context, venueID uuid.UUID, excludeUserID uuid.UUID, since time.Time) ([]uuid.UUID, error)
}

// Orchestrator drives pair correlation after a visit has been written.
type Orchestrator interface {
	// OnVisit correlates the event's user against every distinct historical
	// co-visitor at the venue. Individual pair failures do not abort the run;
	// they are reported through *models.PartialCorrelationError while the
	// committed pairs stand.
	OnVisit(ctx context.Context, event *models.VisitEvent) (*models.CorrelationResult, error)
}

type OrchestratorImpl struct {
	logger     *zap.Logger
	logRepo    LogRepository
	relRepo    RelationshipRepository
	coVisitors CoVisitorSource

	// window bounds co-visitor matching; zero keeps the historical unbounded
	// behavior.
	window     time.Duration
	maxWorkers int
	metrics    *metrics.AppMetrics
}

type OrchestratorOption func(*OrchestratorImpl)

// WithWindow bounds how far back co-visitor matching looks.
func WithWindow(window time.Duration) OrchestratorOption {
	return func(o *OrchestratorImpl) { o.window = window }
}

// WithMaxWorkers caps concurrent pair processing during fan-out.
func WithMaxWorkers(n int) OrchestratorOption {
	return func(o *OrchestratorImpl) {
		if n > 0 {
			o.maxWorkers = n
		}
	}
}

// WithMetrics attaches the application metric instruments.
func WithMetrics(m *metrics.AppMetrics) OrchestratorOption {
	return func(o *OrchestratorImpl) { o.metrics = m }
}

func NewOrchestrator(logRepo LogRepository, relRepo RelationshipRepository, coVisitors CoVisitorSource, logger *zap.Logger, opts ...OrchestratorOption) *OrchestratorImpl {
	o := &OrchestratorImpl{
		logger:     logger,
		logRepo:    logRepo,
		relRepo:    relRepo,
		coVisitors: coVisitors,
		maxWorkers: 8,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *OrchestratorImpl) OnVisit(ctx context.Context, event *models.VisitEvent) (*models.CorrelationResult, error) {
	ctx, span := otel.Tracer("crossingsOrchestrator").Start(ctx, "OnVisit", trace.WithAttributes(
		attribute.String("user.id", event.UserID.String()),
		attribute.String("venue.name", event.VenueName),
	))
	defer span.End()

	l := o.logger.With(zap.String("method", "OnVisit"),
		zap.String("userID", event.UserID.String()),
		zap.String("venueName", event.VenueName))

	if event.VenueID == nil {
		// Uncatalogued venue: the visit stands but cannot be correlated.
		l.Debug("Visit has no resolved venue, skipping correlation")
		return &models.CorrelationResult{}, nil
	}
	venueID := *event.VenueID

	started := time.Now()
	var since time.Time
	if o.window > 0 {
		since = event.VisitedAt.Add(-o.window)
	}

	covisitors, err := o.coVisitors.ListVenueCoVisitors(ctx, venueID, event.UserID, since)
	if err != nil {
		l.Error("Failed to query co-visitors", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to query co-visitors")
		return nil, fmt.Errorf("error querying co-visitors: %w", err)
	}

	span.SetAttributes(attribute.Int("covisitors.count", len(covisitors)))

	snapshot := VenueSnapshot{
		VenueID:   venueID,
		VenueName: event.VenueName,
		Latitude:  event.Latitude,
		Longitude: event.Longitude,
	}

	result := &models.CorrelationResult{}
	var failed []models.FailedPair
	var mu sync.Mutex

	// Pairs are independent so they may run in parallel. A pair error is
	// collected, never returned from the group function: sibling pairs must
	// not be cancelled on one failure.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxWorkers)

	for _, covisitor := range covisitors {
		pair := NewPairKey(event.UserID, covisitor)
		g.Go(func() error {
			entry, created, err := o.processPair(gctx, pair, event.ID, snapshot)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, models.FailedPair{UserAID: pair.First, UserBID: pair.Second, Err: err})
				return nil
			}
			result.Pairs = append(result.Pairs, *entry)
			if created {
				result.NewRelations++
			}
			return nil
		})
	}

	// group functions never return errors; Wait only synchronizes
	_ = g.Wait()

	if o.metrics != nil {
		o.metrics.CrossingsUpsertedTotal.Add(ctx, int64(len(result.Pairs)))
		o.metrics.RelationshipsActivated.Add(ctx, int64(result.NewRelations))
		o.metrics.CorrelationPairFailures.Add(ctx, int64(len(failed)))
		o.metrics.CorrelationFanoutDuration.Record(ctx, time.Since(started).Seconds())
	}

	if len(failed) > 0 {
		for _, f := range failed {
			l.Warn("Pair correlation failed",
				zap.String("userA", f.UserAID.String()),
				zap.String("userB", f.UserBID.String()),
				zap.Error(f.Err))
		}
		span.SetStatus(codes.Error, "Correlation completed with pair failures")
		return result, &models.PartialCorrelationError{Failed: failed}
	}

	l.Info("Correlation completed",
		zap.Int("pairs", len(result.Pairs)),
		zap.Int("new_relations", result.NewRelations))
	span.SetStatus(codes.Ok, "Correlation completed")
	return result, nil
}

// processPair commits one crossing: counter upsert first, relationship
// activation only on the pair's first-ever shared venue.
func (o *OrchestratorImpl) processPair(ctx context.Context, pair PairKey, visitEventID uuid.UUID, snapshot VenueSnapshot) (*models.CrossedPathsLogEntry, bool, error) {
	entry, created, err := o.logRepo.UpsertCrossing(ctx, pair, visitEventID, snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("upsert crossing: %w", err)
	}

	if !created {
		return entry, false, nil
	}

	_, activated, err := o.relRepo.EnsureActive(ctx, pair, snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("ensure relationship active: %w", err)
	}

	return entry, activated, nil
}
