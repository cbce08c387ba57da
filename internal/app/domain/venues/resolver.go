package venues

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/mesaclub/mesa-server/internal/app/models"
)

// Ensure implementation satisfies the interface
var _ Resolver = (*CatalogueResolver)(nil)

// Resolver maps a raw venue name to a catalogued venue. The crossed-paths
// engine is agnostic to how venues are identified; this is the injection
// point for a smarter matching strategy later.
type Resolver interface {
	// ResolveVenue returns models.ErrVenueNotResolved when the name has no
	// exact catalogue match.
	ResolveVenue(ctx context.Context, name string) (*models.Venue, error)
}

// CatalogueResolver resolves by exact name match against the venues table,
// memoizing positive lookups. Negative results are not cached so a venue
// added to the catalogue is picked up immediately.
type CatalogueResolver struct {
	repo   Repository
	cache  *gocache.Cache
	logger *zap.Logger
}

func NewCatalogueResolver(repo Repository, logger *zap.Logger) *CatalogueResolver {
	return &CatalogueResolver{
		repo:   repo,
		cache:  gocache.New(10*time.Minute, 30*time.Minute),
		logger: logger,
	}
}

func (r *CatalogueResolver) ResolveVenue(ctx context.Context, name string) (*models.Venue, error) {
	if cached, found := r.cache.Get(name); found {
		return cached.(*models.Venue), nil
	}

	venue, err := r.repo.GetVenueByName(ctx, name)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			r.logger.Debug("Venue not in catalogue", zap.String("name", name))
			return nil, models.ErrVenueNotResolved
		}
		return nil, err
	}

	r.cache.Set(name, venue, gocache.DefaultExpiration)
	return venue, nil
}
