package visits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mesaclub/mesa-server/internal/app/models"
)

// DB is the pgx surface the visits repository needs. *pgxpool.Pool satisfies
// it, as does pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository interface {
	// CreateVisit appends one immutable visit row.
	CreateVisit(ctx context.Context, visit *models.VisitEvent) error
	GetVisit(ctx context.Context, id uuid.UUID) (*models.VisitEvent, error)
	ListUserVisits(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.VisitEvent, error)
	// ListVenueCoVisitors returns the distinct users other than excludeUserID
	// with a recorded visit at the venue. A zero since means all time.
	ListVenueCoVisitors(ctx context.Context, venueID uuid.UUID, excludeUserID uuid.UUID, since time.Time) ([]uuid.UUID, error)
}

type RepositoryImpl struct {
	db DB
}

func NewRepository(db DB) Repository {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) CreateVisit(ctx context.Context, visit *models.VisitEvent) error {
	if visit.ID == uuid.Nil {
		visit.ID = uuid.New()
	}
	if visit.VisitedAt.IsZero() {
		visit.VisitedAt = time.Now()
	}
	if visit.CreatedAt.IsZero() {
		visit.CreatedAt = time.Now()
	}

	// Visits are immutable; an id conflict can only be a retried delivery of
	// the same confirmation, so it is a no-op rather than an error.
	query := `
		INSERT INTO visit_events (id, user_id, venue_id, venue_name, latitude, longitude, visited_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query,
		visit.ID,
		visit.UserID,
		visit.VenueID,
		visit.VenueName,
		visit.Latitude,
		visit.Longitude,
		visit.VisitedAt,
		visit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create visit event: %w", err)
	}

	return nil
}

func (r *RepositoryImpl) GetVisit(ctx context.Context, id uuid.UUID) (*models.VisitEvent, error) {
	query := `
		SELECT id, user_id, venue_id, venue_name, latitude, longitude, visited_at, created_at
		FROM visit_events
		WHERE id = $1
	`

	var visit models.VisitEvent
	err := r.db.QueryRow(ctx, query, id).Scan(
		&visit.ID,
		&visit.UserID,
		&visit.VenueID,
		&visit.VenueName,
		&visit.Latitude,
		&visit.Longitude,
		&visit.VisitedAt,
		&visit.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get visit event: %w", err)
	}
	return &visit, nil
}

// ListUserVisits retrieves visit history for a user with pagination
func (r *RepositoryImpl) ListUserVisits(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.VisitEvent, error) {
	query := `
		SELECT id, user_id, venue_id, venue_name, latitude, longitude, visited_at, created_at
		FROM visit_events
		WHERE user_id = $1
		ORDER BY visited_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list visit events: %w", err)
	}
	defer rows.Close()

	var visitList []models.VisitEvent
	for rows.Next() {
		var visit models.VisitEvent
		err := rows.Scan(
			&visit.ID,
			&visit.UserID,
			&visit.VenueID,
			&visit.VenueName,
			&visit.Latitude,
			&visit.Longitude,
			&visit.VisitedAt,
			&visit.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit event: %w", err)
		}
		visitList = append(visitList, visit)
	}

	return visitList, rows.Err()
}

// ListVenueCoVisitors deduplicates by user: a co-visitor with many historical
// visits to the venue still appears once.
func (r *RepositoryImpl) ListVenueCoVisitors(ctx context.Context, venueID uuid.UUID, excludeUserID uuid.UUID, since time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT user_id
		FROM visit_events
		WHERE venue_id = $1 AND user_id <> $2
	`
	args := []any{venueID, excludeUserID}

	if !since.IsZero() {
		query += ` AND visited_at >= $3`
		args = append(args, since)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list co-visitors: %w", err)
	}
	defer rows.Close()

	var userIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan co-visitor id: %w", err)
		}
		userIDs = append(userIDs, id)
	}

	return userIDs, rows.Err()
}
