package crossings

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mesaclub/mesa-server/internal/app/models"
)

// DB is the pgx surface the crossings repositories need. *pgxpool.Pool
// satisfies it, as does pgxmock in tests.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LogRepository is the crossed-paths counter store: one row per canonical
// pair and venue.
type LogRepository interface {
	// UpsertCrossing atomically creates the (pair, venue) counter at 1 or
	// increments it, keyed by the triggering visit so a retried run never
	// double-counts. The bool result is true when the counter stands at 1,
	// i.e. this is the pair's first crossing at this venue, including on a
	// retried run that already counted this visit.
	UpsertCrossing(ctx context.Context, pair PairKey, visitEventID uuid.UUID, snapshot VenueSnapshot) (*models.CrossedPathsLogEntry, bool, error)
	GetEntry(ctx context.Context, pair PairKey, venueID uuid.UUID) (*models.CrossedPathsLogEntry, error)
	ListEntries(ctx context.Context, filter models.LogEntryFilter) ([]models.CrossedPathsLogEntry, error)
}

type LogRepositoryImpl struct {
	db DB
}

func NewLogRepository(db DB) LogRepository {
	return &LogRepositoryImpl{db: db}
}

// UpsertCrossing is a single conditional statement, never a select-then-write
// pair: two concurrent calls for the same (pair, venue) serialize on the
// primary key and yield cross_count 1 and 2, not 1 and 1. The detection CTE
// no-ops the increment when this (visit, pair) was already processed, so a
// retried orchestrator run leaves the counter unchanged.
func (r *LogRepositoryImpl) UpsertCrossing(ctx context.Context, pair PairKey, visitEventID uuid.UUID, snapshot VenueSnapshot) (*models.CrossedPathsLogEntry, bool, error) {
	query := `
		WITH detection AS (
			INSERT INTO crossed_paths_detections (visit_event_id, user_a_id, user_b_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (visit_event_id, user_a_id, user_b_id) DO NOTHING
			RETURNING visit_event_id
		)
		INSERT INTO crossed_paths_log (user_a_id, user_b_id, venue_id, cross_count, venue_name, location_lat, location_lng, updated_at)
		SELECT $2, $3, $4, 1, $5, $6, $7, now() FROM detection
		ON CONFLICT (user_a_id, user_b_id, venue_id) DO UPDATE
			SET cross_count = crossed_paths_log.cross_count + 1,
			    updated_at  = now()
		RETURNING user_a_id, user_b_id, venue_id, cross_count, venue_name, location_lat, location_lng, updated_at, created_at
	`

	var entry models.CrossedPathsLogEntry
	err := r.db.QueryRow(ctx, query,
		visitEventID,
		pair.First,
		pair.Second,
		snapshot.VenueID,
		snapshot.VenueName,
		snapshot.Latitude,
		snapshot.Longitude,
	).Scan(
		&entry.UserAID,
		&entry.UserBID,
		&entry.VenueID,
		&entry.CrossCount,
		&entry.VenueName,
		&entry.LocationLat,
		&entry.LocationLng,
		&entry.UpdatedAt,
		&entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Duplicate detection: this visit already counted for the pair.
			// created still derives from the counter, so a retried first
			// crossing re-drives relationship activation if an earlier run
			// failed between the upsert and the activation.
			existing, getErr := r.GetEntry(ctx, pair, snapshot.VenueID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, existing.CrossCount == 1, nil
		}
		return nil, false, fmt.Errorf("failed to upsert crossed-paths log entry: %w", err)
	}

	return &entry, entry.CrossCount == 1, nil
}

func (r *LogRepositoryImpl) GetEntry(ctx context.Context, pair PairKey, venueID uuid.UUID) (*models.CrossedPathsLogEntry, error) {
	query := `
		SELECT user_a_id, user_b_id, venue_id, cross_count, venue_name, location_lat, location_lng, updated_at, created_at
		FROM crossed_paths_log
		WHERE user_a_id = $1 AND user_b_id = $2 AND venue_id = $3
	`

	var entry models.CrossedPathsLogEntry
	err := r.db.QueryRow(ctx, query, pair.First, pair.Second, venueID).Scan(
		&entry.UserAID,
		&entry.UserBID,
		&entry.VenueID,
		&entry.CrossCount,
		&entry.VenueName,
		&entry.LocationLat,
		&entry.LocationLng,
		&entry.UpdatedAt,
		&entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get crossed-paths log entry: %w", err)
	}
	return &entry, nil
}

// ListEntries serves the dashboard read surface. Filters are optional, so the
// query is assembled with squirrel rather than string concatenation.
func (r *LogRepositoryImpl) ListEntries(ctx context.Context, filter models.LogEntryFilter) ([]models.CrossedPathsLogEntry, error) {
	builder := sq.Select(
		"user_a_id", "user_b_id", "venue_id", "cross_count",
		"venue_name", "location_lat", "location_lng", "updated_at", "created_at",
	).
		From("crossed_paths_log").
		PlaceholderFormat(sq.Dollar)

	if filter.MinCrossCount > 0 {
		builder = builder.Where(sq.GtOrEq{"cross_count": filter.MinCrossCount})
	}
	if filter.VenueName != "" {
		builder = builder.Where(sq.Eq{"venue_name": filter.VenueName})
	}

	switch filter.Sort {
	case "cross_count":
		builder = builder.OrderBy("cross_count DESC")
	default:
		builder = builder.OrderBy("updated_at DESC")
	}

	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		builder = builder.Offset(uint64(filter.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build log entries query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list crossed-paths log entries: %w", err)
	}
	defer rows.Close()

	var entries []models.CrossedPathsLogEntry
	for rows.Next() {
		var entry models.CrossedPathsLogEntry
		err := rows.Scan(
			&entry.UserAID,
			&entry.UserBID,
			&entry.VenueID,
			&entry.CrossCount,
			&entry.VenueName,
			&entry.LocationLat,
			&entry.LocationLng,
			&entry.UpdatedAt,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crossed-paths log entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
