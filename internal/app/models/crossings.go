package models

import (
	"time"

	"github.com/google/uuid"
)

// VisitEvent represents one confirmed physical presence of a user at a venue.
// Rows are append-only; a visit is never mutated after it is written.
type VisitEvent struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	VenueID   *uuid.UUID `json:"venue_id,omitempty" db:"venue_id"`
	VenueName string     `json:"venue_name" db:"venue_name"`
	Latitude  float64    `json:"latitude" db:"latitude"`
	Longitude float64    `json:"longitude" db:"longitude"`
	VisitedAt time.Time  `json:"visited_at" db:"visited_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// VisitSource identifies which collaborator confirmed the visit.
type VisitSource string

const (
	VisitSourceRSVP       VisitSource = "rsvp_confirmation"
	VisitSourcePaidTicket VisitSource = "paid_ticket"
	VisitSourceCheckIn    VisitSource = "manual_check_in"
)

// RecordVisitParams is the write model accepted by the visit recorder.
// VisitID may be supplied by callers that need retry-safe recording (the
// Stripe webhook derives it from the checkout session id); when Nil a fresh
// id is generated.
type RecordVisitParams struct {
	VisitID   uuid.UUID   `json:"visit_id,omitempty"`
	UserID    uuid.UUID   `json:"user_id"`
	VenueName string      `json:"venue_name"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	VisitedAt time.Time   `json:"visited_at"`
	Source    VisitSource `json:"source"`
}

// CrossedPathsLogEntry is the per-venue counter for a canonical user pair.
// UserAID is always strictly less than UserBID.
type CrossedPathsLogEntry struct {
	UserAID     uuid.UUID `json:"user_a_id" db:"user_a_id"`
	UserBID     uuid.UUID `json:"user_b_id" db:"user_b_id"`
	VenueID     uuid.UUID `json:"venue_id" db:"venue_id"`
	CrossCount  int       `json:"cross_count" db:"cross_count"`
	VenueName   string    `json:"venue_name" db:"venue_name"`
	LocationLat float64   `json:"location_lat" db:"location_lat"`
	LocationLng float64   `json:"location_lng" db:"location_lng"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// CrossedPathsRelationship is the venue-independent "these two users have
// crossed paths" fact. At most one row exists per canonical pair; the location
// fields snapshot the venue that triggered the first activation and are never
// updated afterwards.
type CrossedPathsRelationship struct {
	User1ID      uuid.UUID `json:"user_1_id" db:"user_1_id"`
	User2ID      uuid.UUID `json:"user_2_id" db:"user_2_id"`
	LocationName string    `json:"location_name" db:"location_name"`
	LocationLat  float64   `json:"location_lat" db:"location_lat"`
	LocationLng  float64   `json:"location_lng" db:"location_lng"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Venue is a catalogued restaurant.
type Venue struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LogEntryFilter narrows the crossed-paths log read surface.
type LogEntryFilter struct {
	MinCrossCount int
	VenueName     string
	Sort          string // "cross_count" or "updated_at"
	Limit         int
	Offset        int
}
