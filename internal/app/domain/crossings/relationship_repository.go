package crossings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mesaclub/mesa-server/internal/app/models"
)

// RelationshipRepository stores the venue-independent crossed-paths fact.
type RelationshipRepository interface {
	// EnsureActive creates the relationship for the pair if none exists and
	// returns it; an existing relationship is returned unchanged. The bool
	// result is true only when this call created the row.
	EnsureActive(ctx context.Context, pair PairKey, snapshot VenueSnapshot) (*models.CrossedPathsRelationship, bool, error)
	GetRelationship(ctx context.Context, pair PairKey) (*models.CrossedPathsRelationship, error)
	ListRelationships(ctx context.Context, userID uuid.UUID) ([]models.CrossedPathsRelationship, error)
}

type RelationshipRepositoryImpl struct {
	db DB
}

func NewRelationshipRepository(db DB) RelationshipRepository {
	return &RelationshipRepositoryImpl{db: db}
}

// EnsureActive relies on the primary key over the canonical pair: concurrent
// first crossings race on the insert and exactly one wins. The loser reads
// the winner's row, so the first-encounter snapshot is never overwritten.
func (r *RelationshipRepositoryImpl) EnsureActive(ctx context.Context, pair PairKey, snapshot VenueSnapshot) (*models.CrossedPathsRelationship, bool, error) {
	query := `
		INSERT INTO crossed_paths_relationships (user_1_id, user_2_id, location_name, location_lat, location_lng, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (user_1_id, user_2_id) DO NOTHING
		RETURNING user_1_id, user_2_id, location_name, location_lat, location_lng, is_active, created_at`

	var rel models.CrossedPathsRelationship
	err := r.db.QueryRow(ctx, query,
		pair.First,
		pair.Second,
		snapshot.VenueName,
		snapshot.Latitude,
		snapshot.Longitude,
	).Scan(
		&rel.User1ID,
		&rel.User2ID,
		&rel.LocationName,
		&rel.LocationLat,
		&rel.LocationLng,
		&rel.IsActive,
		&rel.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already exists, return the existing relationship untouched
			existing, getErr := r.GetRelationship(ctx, pair)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to activate crossed-paths relationship: %w", err)
	}
	return &rel, true, nil
}

func (r *RelationshipRepositoryImpl) GetRelationship(ctx context.Context, pair PairKey) (*models.CrossedPathsRelationship, error) {
	query := `
		SELECT user_1_id, user_2_id, location_name, location_lat, location_lng, is_active, created_at
		FROM crossed_paths_relationships
		WHERE user_1_id = $1 AND user_2_id = $2
	`

	var rel models.CrossedPathsRelationship
	err := r.db.QueryRow(ctx, query, pair.First, pair.Second).Scan(
		&rel.User1ID,
		&rel.User2ID,
		&rel.LocationName,
		&rel.LocationLat,
		&rel.LocationLng,
		&rel.IsActive,
		&rel.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get crossed-paths relationship: %w", err)
	}
	return &rel, nil
}

// ListRelationships returns all active relationships involving the user,
// newest first. Read-only projection for the profile and admin surfaces.
func (r *RelationshipRepositoryImpl) ListRelationships(ctx context.Context, userID uuid.UUID) ([]models.CrossedPathsRelationship, error) {
	query := `
		SELECT user_1_id, user_2_id, location_name, location_lat, location_lng, is_active, created_at
		FROM crossed_paths_relationships
		WHERE (user_1_id = $1 OR user_2_id = $1) AND is_active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list crossed-paths relationships: %w", err)
	}
	defer rows.Close()

	var relationships []models.CrossedPathsRelationship
	for rows.Next() {
		var rel models.CrossedPathsRelationship
		err := rows.Scan(
			&rel.User1ID,
			&rel.User2ID,
			&rel.LocationName,
			&rel.LocationLat,
			&rel.LocationLng,
			&rel.IsActive,
			&rel.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crossed-paths relationship: %w", err)
		}
		relationships = append(relationships, rel)
	}

	return relationships, rows.Err()
}
