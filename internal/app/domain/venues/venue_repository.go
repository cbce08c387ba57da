package venues

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mesaclub/mesa-server/internal/app/models"
)

// DB is the pgx surface the venues repository needs. *pgxpool.Pool satisfies
// it, as does pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository interface {
	GetVenue(ctx context.Context, id uuid.UUID) (*models.Venue, error)
	GetVenueByName(ctx context.Context, name string) (*models.Venue, error)
	CreateVenue(ctx context.Context, venue *models.Venue) error
}

type RepositoryImpl struct {
	db DB
}

func NewRepository(db DB) Repository {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) GetVenue(ctx context.Context, id uuid.UUID) (*models.Venue, error) {
	query := `
		SELECT id, name, latitude, longitude, created_at
		FROM venues
		WHERE id = $1
	`

	var venue models.Venue
	err := r.db.QueryRow(ctx, query, id).Scan(
		&venue.ID,
		&venue.Name,
		&venue.Latitude,
		&venue.Longitude,
		&venue.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get venue: %w", err)
	}
	return &venue, nil
}

// GetVenueByName matches the stored name exactly. No fuzzy or case-folding
// lookup happens here; callers that need a different identification strategy
// swap the Resolver, not this query.
func (r *RepositoryImpl) GetVenueByName(ctx context.Context, name string) (*models.Venue, error) {
	query := `
		SELECT id, name, latitude, longitude, created_at
		FROM venues
		WHERE name = $1
	`

	var venue models.Venue
	err := r.db.QueryRow(ctx, query, name).Scan(
		&venue.ID,
		&venue.Name,
		&venue.Latitude,
		&venue.Longitude,
		&venue.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get venue by name: %w", err)
	}
	return &venue, nil
}

func (r *RepositoryImpl) CreateVenue(ctx context.Context, venue *models.Venue) error {
	if venue.ID == uuid.Nil {
		venue.ID = uuid.New()
	}

	query := `
		INSERT INTO venues (id, name, latitude, longitude)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.Exec(ctx, query, venue.ID, venue.Name, venue.Latitude, venue.Longitude)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("venue name already catalogued: %w", models.ErrConflict)
		}
		return fmt.Errorf("failed to create venue: %w", err)
	}
	return nil
}
