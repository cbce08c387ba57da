package visits

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesaclub/mesa-server/internal/app/models"
)

// --- Mocks for Dependencies ---

type MockVisitRepo struct {
	mock.Mock
}

func (m *MockVisitRepo) CreateVisit(ctx context.Context, visit *models.VisitEvent) error {
	args := m.Called(ctx, visit)
	return args.Error(0)
}

func (m *MockVisitRepo) GetVisit(ctx context.Context, id uuid.UUID) (*models.VisitEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.VisitEvent), args.Error(1)
}

func (m *MockVisitRepo) ListUserVisits(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.VisitEvent, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.VisitEvent), args.Error(1)
}

func (m *MockVisitRepo) ListVenueCoVisitors(ctx context.Context, venueID uuid.UUID, excludeUserID uuid.UUID, since time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, venueID, excludeUserID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) ResolveVenue(ctx context.Context, name string) (*models.Venue, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Venue), args.Error(1)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, event *models.VisitEvent) (*models.CorrelationResult, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CorrelationResult), args.Error(1)
}

func (m *MockDispatcher) Close() error {
	args := m.Called()
	return args.Error(0)
}

type serviceFixture struct {
	repo       *MockVisitRepo
	resolver   *MockResolver
	dispatcher *MockDispatcher
	service    *ServiceImpl
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		repo:       new(MockVisitRepo),
		resolver:   new(MockResolver),
		dispatcher: new(MockDispatcher),
	}
	f.service = NewService(f.repo, f.resolver, f.dispatcher, zap.NewNop())
	return f
}

func recordParams() models.RecordVisitParams {
	return models.RecordVisitParams{
		UserID:    uuid.New(),
		VenueName: "Taberna Norte",
		Latitude:  38.7223,
		Longitude: -9.1393,
		VisitedAt: time.Now(),
		Source:    models.VisitSourceCheckIn,
	}
}

func TestRecordResolvedVenueDispatchesCorrelation(t *testing.T) {
	fx := newServiceFixture()
	params := recordParams()
	venue := &models.Venue{ID: uuid.New(), Name: params.VenueName, Latitude: params.Latitude, Longitude: params.Longitude}

	fx.resolver.On("ResolveVenue", mock.Anything, params.VenueName).Return(venue, nil)
	fx.repo.On("CreateVisit", mock.Anything, mock.MatchedBy(func(v *models.VisitEvent) bool {
		return v.UserID == params.UserID && v.VenueID != nil && *v.VenueID == venue.ID
	})).Return(nil)
	fx.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(&models.CorrelationResult{NewRelations: 1}, nil)

	event, result, err := fx.service.Record(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, venue.ID, *event.VenueID)
	assert.Equal(t, 1, result.NewRelations)

	fx.repo.AssertExpectations(t)
	fx.resolver.AssertExpectations(t)
	fx.dispatcher.AssertExpectations(t)
}

func TestRecordUnresolvedVenueStillRecordsVisit(t *testing.T) {
	fx := newServiceFixture()
	params := recordParams()

	fx.resolver.On("ResolveVenue", mock.Anything, params.VenueName).
		Return(nil, models.ErrVenueNotResolved)
	fx.repo.On("CreateVisit", mock.Anything, mock.MatchedBy(func(v *models.VisitEvent) bool {
		return v.VenueID == nil
	})).Return(nil)
	fx.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(&models.CorrelationResult{}, nil)

	event, result, err := fx.service.Record(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Nil(t, event.VenueID)
	assert.Empty(t, result.Pairs)

	fx.repo.AssertExpectations(t)
}

func TestRecordValidation(t *testing.T) {
	fx := newServiceFixture()

	t.Run("missing user", func(t *testing.T) {
		params := recordParams()
		params.UserID = uuid.Nil
		_, _, err := fx.service.Record(context.Background(), params)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("missing venue name", func(t *testing.T) {
		params := recordParams()
		params.VenueName = ""
		_, _, err := fx.service.Record(context.Background(), params)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	fx.repo.AssertNotCalled(t, "CreateVisit")
}

func TestRecordVisitWriteFailureIsFatal(t *testing.T) {
	fx := newServiceFixture()
	params := recordParams()
	venue := &models.Venue{ID: uuid.New(), Name: params.VenueName}

	fx.resolver.On("ResolveVenue", mock.Anything, params.VenueName).Return(venue, nil)
	fx.repo.On("CreateVisit", mock.Anything, mock.Anything).
		Return(fmt.Errorf("connection refused"))

	event, _, err := fx.service.Record(context.Background(), params)
	require.Error(t, err)
	assert.Nil(t, event)
	fx.dispatcher.AssertNotCalled(t, "Dispatch")
}

func TestRecordPartialCorrelationReturnsEventAndResult(t *testing.T) {
	fx := newServiceFixture()
	params := recordParams()
	venue := &models.Venue{ID: uuid.New(), Name: params.VenueName}
	partial := &models.PartialCorrelationError{Failed: []models.FailedPair{
		{UserAID: uuid.New(), UserBID: uuid.New(), Err: fmt.Errorf("deadlock detected")},
	}}

	fx.resolver.On("ResolveVenue", mock.Anything, params.VenueName).Return(venue, nil)
	fx.repo.On("CreateVisit", mock.Anything, mock.Anything).Return(nil)
	fx.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(&models.CorrelationResult{NewRelations: 2}, partial)

	event, result, err := fx.service.Record(context.Background(), params)
	require.Error(t, err)

	var got *models.PartialCorrelationError
	require.ErrorAs(t, err, &got)
	assert.Len(t, got.Failed, 1)

	// The visit and the committed pairs stand despite the failures.
	require.NotNil(t, event)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.NewRelations)
}

func TestRecordCorrelationFailureKeepsVisit(t *testing.T) {
	fx := newServiceFixture()
	params := recordParams()
	venue := &models.Venue{ID: uuid.New(), Name: params.VenueName}

	fx.resolver.On("ResolveVenue", mock.Anything, params.VenueName).Return(venue, nil)
	fx.repo.On("CreateVisit", mock.Anything, mock.Anything).Return(nil)
	fx.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("queue unavailable"))

	event, result, err := fx.service.Record(context.Background(), params)
	require.Error(t, err)
	assert.NotNil(t, event, "visit row stands even when correlation fails outright")
	assert.Nil(t, result)
	assert.NotErrorIs(t, err, models.ErrValidation)
}

func TestRecordSuppliedVisitIDIsKept(t *testing.T) {
	fx := newServiceFixture()
	params := recordParams()
	params.VisitID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("cs_test_123"))
	venue := &models.Venue{ID: uuid.New(), Name: params.VenueName}

	fx.resolver.On("ResolveVenue", mock.Anything, params.VenueName).Return(venue, nil)
	fx.repo.On("CreateVisit", mock.Anything, mock.MatchedBy(func(v *models.VisitEvent) bool {
		return v.ID == params.VisitID
	})).Return(nil)
	fx.dispatcher.On("Dispatch", mock.Anything, mock.Anything).
		Return(&models.CorrelationResult{}, nil)

	event, _, err := fx.service.Record(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, params.VisitID, event.ID)
	fx.repo.AssertExpectations(t)
}

func TestListUserVisitsClampsLimit(t *testing.T) {
	fx := newServiceFixture()
	userID := uuid.New()

	fx.repo.On("ListUserVisits", mock.Anything, userID, 50, 0).
		Return([]models.VisitEvent{}, nil)

	_, err := fx.service.ListUserVisits(context.Background(), userID, 0, 0)
	require.NoError(t, err)
	fx.repo.AssertExpectations(t)
}
