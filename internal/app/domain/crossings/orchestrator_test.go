package crossings

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesaclub/mesa-server/internal/app/models"
)

// fakeLogRepo mirrors the conditional upsert semantics of the SQL store: one
// row per (pair, venue), detection-keyed so a replayed visit never increments
// twice, safe for concurrent callers.
type fakeLogRepo struct {
	mu         sync.Mutex
	entries    map[string]*models.CrossedPathsLogEntry
	detections map[string]struct{}
	failPairs  map[string]error
}

func newFakeLogRepo() *fakeLogRepo {
	return &fakeLogRepo{
		entries:    make(map[string]*models.CrossedPathsLogEntry),
		detections: make(map[string]struct{}),
		failPairs:  make(map[string]error),
	}
}

func pairVenueKey(pair PairKey, venueID uuid.UUID) string {
	return pair.First.String() + "|" + pair.Second.String() + "|" + venueID.String()
}

func pairOnlyKey(pair PairKey) string {
	return pair.First.String() + "|" + pair.Second.String()
}

func (f *fakeLogRepo) UpsertCrossing(_ context.Context, pair PairKey, visitEventID uuid.UUID, snapshot VenueSnapshot) (*models.CrossedPathsLogEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failPairs[pairOnlyKey(pair)]; ok {
		return nil, false, err
	}

	detKey := visitEventID.String() + "|" + pairOnlyKey(pair)
	key := pairVenueKey(pair, snapshot.VenueID)

	if _, seen := f.detections[detKey]; seen {
		entry, ok := f.entries[key]
		if !ok {
			return nil, false, models.ErrNotFound
		}
		cp := *entry
		return &cp, cp.CrossCount == 1, nil
	}
	f.detections[detKey] = struct{}{}

	entry, ok := f.entries[key]
	if !ok {
		entry = &models.CrossedPathsLogEntry{
			UserAID:     pair.First,
			UserBID:     pair.Second,
			VenueID:     snapshot.VenueID,
			CrossCount:  0,
			VenueName:   snapshot.VenueName,
			LocationLat: snapshot.Latitude,
			LocationLng: snapshot.Longitude,
			CreatedAt:   time.Now(),
		}
		f.entries[key] = entry
	}
	entry.CrossCount++
	entry.UpdatedAt = time.Now()

	cp := *entry
	return &cp, cp.CrossCount == 1, nil
}

func (f *fakeLogRepo) GetEntry(_ context.Context, pair PairKey, venueID uuid.UUID) (*models.CrossedPathsLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[pairVenueKey(pair, venueID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (f *fakeLogRepo) ListEntries(_ context.Context, _ models.LogEntryFilter) ([]models.CrossedPathsLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.CrossedPathsLogEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, nil
}

// fakeRelRepo mirrors the first-write-wins relationship store: at most one
// row per canonical pair, later activations leave the snapshot untouched.
type fakeRelRepo struct {
	mu        sync.Mutex
	relations map[string]*models.CrossedPathsRelationship
	failNext  error
}

func newFakeRelRepo() *fakeRelRepo {
	return &fakeRelRepo{relations: make(map[string]*models.CrossedPathsRelationship)}
}

func (f *fakeRelRepo) EnsureActive(_ context.Context, pair PairKey, snapshot VenueSnapshot) (*models.CrossedPathsRelationship, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, false, err
	}

	key := pairOnlyKey(pair)
	if rel, ok := f.relations[key]; ok {
		cp := *rel
		return &cp, false, nil
	}

	rel := &models.CrossedPathsRelationship{
		User1ID:      pair.First,
		User2ID:      pair.Second,
		LocationName: snapshot.VenueName,
		LocationLat:  snapshot.Latitude,
		LocationLng:  snapshot.Longitude,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
	f.relations[key] = rel
	cp := *rel
	return &cp, true, nil
}

func (f *fakeRelRepo) GetRelationship(_ context.Context, pair PairKey) (*models.CrossedPathsRelationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel, ok := f.relations[pairOnlyKey(pair)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *rel
	return &cp, nil
}

func (f *fakeRelRepo) ListRelationships(_ context.Context, userID uuid.UUID) ([]models.CrossedPathsRelationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CrossedPathsRelationship
	for _, rel := range f.relations {
		if rel.IsActive && (rel.User1ID == userID || rel.User2ID == userID) {
			out = append(out, *rel)
		}
	}
	return out, nil
}

// fakeCoVisitors returns a fixed co-visitor set per venue.
type fakeCoVisitors struct {
	mu        sync.Mutex
	byVenue   map[uuid.UUID][]uuid.UUID
	err       error
	lastSince time.Time
}

func (f *fakeCoVisitors) ListVenueCoVisitors(_ context.Context, venueID uuid.UUID, excludeUserID uuid.UUID, since time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.lastSince = since
	var out []uuid.UUID
	for _, id := range f.byVenue[venueID] {
		if id != excludeUserID {
			out = append(out, id)
		}
	}
	return out, nil
}

type orchestratorFixture struct {
	logRepo    *fakeLogRepo
	relRepo    *fakeRelRepo
	coVisitors *fakeCoVisitors
	orch       *OrchestratorImpl
}

func newOrchestratorFixture(opts ...OrchestratorOption) *orchestratorFixture {
	f := &orchestratorFixture{
		logRepo:    newFakeLogRepo(),
		relRepo:    newFakeRelRepo(),
		coVisitors: &fakeCoVisitors{byVenue: make(map[uuid.UUID][]uuid.UUID)},
	}
	f.orch = NewOrchestrator(f.logRepo, f.relRepo, f.coVisitors, zap.NewNop(), opts...)
	return f
}

func visitAt(userID, venueID uuid.UUID, name string, at time.Time) *models.VisitEvent {
	return &models.VisitEvent{
		ID:        uuid.New(),
		UserID:    userID,
		VenueID:   &venueID,
		VenueName: name,
		Latitude:  38.7223,
		Longitude: -9.1393,
		VisitedAt: at,
	}
}

func TestOnVisitFirstCrossingActivatesRelationship(t *testing.T) {
	fx := newOrchestratorFixture()
	u1, u2 := uuid.New(), uuid.New()
	venue := uuid.New()
	fx.coVisitors.byVenue[venue] = []uuid.UUID{u2}

	result, err := fx.orch.OnVisit(context.Background(), visitAt(u1, venue, "Taberna Norte", time.Now()))
	require.NoError(t, err)
	require.Len(t, result.Pairs, 1)

	entry := result.Pairs[0]
	assert.Equal(t, 1, entry.CrossCount)
	assert.Equal(t, NewPairKey(u1, u2).First, entry.UserAID)
	assert.Equal(t, NewPairKey(u1, u2).Second, entry.UserBID)
	assert.Equal(t, 1, result.NewRelations)

	rel, err := fx.relRepo.GetRelationship(context.Background(), NewPairKey(u1, u2))
	require.NoError(t, err)
	assert.True(t, rel.IsActive)
	assert.Equal(t, "Taberna Norte", rel.LocationName)
}

func TestOnVisitRepeatCrossingsIncrementSingleRow(t *testing.T) {
	fx := newOrchestratorFixture()
	u1, u2 := uuid.New(), uuid.New()
	venue := uuid.New()
	fx.coVisitors.byVenue[venue] = []uuid.UUID{u2}

	for i := 1; i <= 3; i++ {
		result, err := fx.orch.OnVisit(context.Background(), visitAt(u1, venue, "Taberna Norte", time.Now()))
		require.NoError(t, err)
		require.Len(t, result.Pairs, 1)
		assert.Equal(t, i, result.Pairs[0].CrossCount)
	}

	// Only the first crossing for the pair activates a relationship.
	entries, err := fx.logRepo.ListEntries(context.Background(), models.LogEntryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, fx.relRepo.relations, 1)
}

func TestOnVisitRelationshipSingletonAcrossVenues(t *testing.T) {
	fx := newOrchestratorFixture()
	u1, u2 := uuid.New(), uuid.New()
	venueA, venueB := uuid.New(), uuid.New()
	fx.coVisitors.byVenue[venueA] = []uuid.UUID{u2}
	fx.coVisitors.byVenue[venueB] = []uuid.UUID{u2}

	first, err := fx.orch.OnVisit(context.Background(), visitAt(u1, venueA, "Taberna Norte", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, first.NewRelations)

	second, err := fx.orch.OnVisit(context.Background(), visitAt(u1, venueB, "Casa do Sul", time.Now()))
	require.NoError(t, err)
	require.Len(t, second.Pairs, 1)
	assert.Equal(t, 1, second.Pairs[0].CrossCount, "new venue starts its own counter")
	assert.Equal(t, 0, second.NewRelations, "relationship already existed")

	// The relationship keeps the snapshot of the venue that first activated it.
	rel, err := fx.relRepo.GetRelationship(context.Background(), NewPairKey(u1, u2))
	require.NoError(t, err)
	assert.Equal(t, "Taberna Norte", rel.LocationName)
}

func TestOnVisitRetrySameEventDoesNotDriftCounter(t *testing.T) {
	fx := newOrchestratorFixture()
	u1, u2 := uuid.New(), uuid.New()
	venue := uuid.New()
	fx.coVisitors.byVenue[venue] = []uuid.UUID{u2}

	event := visitAt(u1, venue, "Taberna Norte", time.Now())

	first, err := fx.orch.OnVisit(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, first.Pairs, 1)
	assert.Equal(t, 1, first.Pairs[0].CrossCount)

	// Replaying correlation for the same visit event must be a no-op on the
	// counter and must not re-activate anything.
	retry, err := fx.orch.OnVisit(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, retry.Pairs, 1)
	assert.Equal(t, 1, retry.Pairs[0].CrossCount)
	assert.Equal(t, 0, retry.NewRelations)
}

func TestOnVisitRetryActivatesRelationshipAfterActivatorFailure(t *testing.T) {
	fx := newOrchestratorFixture()
	u1, u2 := uuid.New(), uuid.New()
	venue := uuid.New()
	fx.coVisitors.byVenue[venue] = []uuid.UUID{u2}

	event := visitAt(u1, venue, "Taberna Norte", time.Now())

	// The counter upsert commits, then activation fails transiently. The run
	// reports the pair as failed and no relationship exists yet.
	fx.relRepo.failNext = fmt.Errorf("connection reset by peer")

	_, err := fx.orch.OnVisit(context.Background(), event)
	var partial *models.PartialCorrelationError
	require.ErrorAs(t, err, &partial)
	require.Len(t, partial.Failed, 1)

	_, err = fx.relRepo.GetRelationship(context.Background(), NewPairKey(u1, u2))
	require.ErrorIs(t, err, models.ErrNotFound)

	// Retrying the whole run must repair the pair: the counter stays at 1
	// and the first crossing re-drives activation.
	retry, err := fx.orch.OnVisit(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, retry.Pairs, 1)
	assert.Equal(t, 1, retry.Pairs[0].CrossCount)
	assert.Equal(t, 1, retry.NewRelations)

	rel, err := fx.relRepo.GetRelationship(context.Background(), NewPairKey(u1, u2))
	require.NoError(t, err)
	assert.True(t, rel.IsActive)
}

func TestOnVisitCanonicalOrderIndependent(t *testing.T) {
	fx := newOrchestratorFixture()
	u1, u2 := uuid.New(), uuid.New()
	venue := uuid.New()
	fx.coVisitors.byVenue[venue] = []uuid.UUID{u1, u2}

	_, err := fx.orch.OnVisit(context.Background(), visitAt(u1, venue, "Taberna Norte", time.Now()))
	require.NoError(t, err)

	// The mirrored trigger, u2 visiting with u1 as co-visitor, lands on the
	// same canonical row.
	result, err := fx.orch.OnVisit(context.Background(), visitAt(u2, venue, "Taberna Norte", time.Now()))
	require.NoError(t, err)
	require.Len(t, result.Pairs, 1)
	assert.Equal(t, 2, result.Pairs[0].CrossCount)

	entries, err := fx.logRepo.ListEntries(context.Background(), models.LogEntryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOnVisitFanOutManyCoVisitors(t *testing.T) {
	fx := newOrchestratorFixture(WithMaxWorkers(4))
	visitor := uuid.New()
	venue := uuid.New()

	var others []uuid.UUID
	for i := 0; i < 25; i++ {
		others = append(others, uuid.New())
	}
	fx.coVisitors.byVenue[venue] = others

	result, err := fx.orch.OnVisit(context.Background(), visitAt(visitor, venue, "Mercado Grande", time.Now()))
	require.NoError(t, err)
	assert.Len(t, result.Pairs, 25)
	assert.Equal(t, 25, result.NewRelations)
}

func TestOnVisitPairFailureDoesNotAbortSiblings(t *testing.T) {
	fx := newOrchestratorFixture()
	visitor := uuid.New()
	venue := uuid.New()
	good1, bad, good2 := uuid.New(), uuid.New(), uuid.New()
	fx.coVisitors.byVenue[venue] = []uuid.UUID{good1, bad, good2}
	fx.logRepo.failPairs[pairOnlyKey(NewPairKey(visitor, bad))] = fmt.Errorf("deadlock detected")

	result, err := fx.orch.OnVisit(context.Background(), visitAt(visitor, venue, "Taberna Norte", time.Now()))
	require.Error(t, err)

	var partial *models.PartialCorrelationError
	require.ErrorAs(t, err, &partial)
	require.Len(t, partial.Failed, 1)
	assert.Equal(t, NewPairKey(visitor, bad).First, partial.Failed[0].UserAID)

	assert.Len(t, result.Pairs, 2, "surviving pairs still commit")
	assert.Equal(t, 2, result.NewRelations)
}

func TestOnVisitUnresolvedVenueSkipsCorrelation(t *testing.T) {
	fx := newOrchestratorFixture()

	event := &models.VisitEvent{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		VenueName: "Pop-up Supper Club",
		VisitedAt: time.Now(),
	}

	result, err := fx.orch.OnVisit(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, result.Pairs)
	assert.Equal(t, 0, result.NewRelations)
}

func TestOnVisitNoCoVisitors(t *testing.T) {
	fx := newOrchestratorFixture()
	venue := uuid.New()

	result, err := fx.orch.OnVisit(context.Background(), visitAt(uuid.New(), venue, "Taberna Norte", time.Now()))
	require.NoError(t, err)
	assert.Empty(t, result.Pairs)
	assert.Equal(t, 0, result.NewRelations)
}

func TestOnVisitCoVisitorQueryFailure(t *testing.T) {
	fx := newOrchestratorFixture()
	fx.coVisitors.err = fmt.Errorf("connection refused")
	venue := uuid.New()

	result, err := fx.orch.OnVisit(context.Background(), visitAt(uuid.New(), venue, "Taberna Norte", time.Now()))
	require.Error(t, err)
	assert.Nil(t, result)
}

func TestOnVisitWindowBoundsSince(t *testing.T) {
	fx := newOrchestratorFixture(WithWindow(48 * time.Hour))
	venue := uuid.New()
	visitedAt := time.Date(2025, 6, 10, 20, 0, 0, 0, time.UTC)

	_, err := fx.orch.OnVisit(context.Background(), visitAt(uuid.New(), venue, "Taberna Norte", visitedAt))
	require.NoError(t, err)
	assert.Equal(t, visitedAt.Add(-48*time.Hour), fx.coVisitors.lastSince)
}

func TestOnVisitZeroWindowIsUnbounded(t *testing.T) {
	fx := newOrchestratorFixture()
	venue := uuid.New()

	_, err := fx.orch.OnVisit(context.Background(), visitAt(uuid.New(), venue, "Taberna Norte", time.Now()))
	require.NoError(t, err)
	assert.True(t, fx.coVisitors.lastSince.IsZero())
}
