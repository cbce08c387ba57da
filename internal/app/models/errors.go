package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Domain specific errors for the visit and crossed-paths subsystem.
var (
	ErrNotFound         = errors.New("requested item not found")
	ErrConflict         = errors.New("item already exists or conflict")
	ErrUnauthenticated  = errors.New("authentication required or invalid credentials")
	ErrBadRequest       = errors.New("bad request")
	ErrValidation       = errors.New("validation failed")
	ErrVenueNotResolved = errors.New("visit could not be matched to a catalogued venue")
)

// FailedPair records one co-visitor pairing that could not be committed
// during an orchestrator run.
type FailedPair struct {
	UserAID uuid.UUID `json:"user_a_id"`
	UserBID uuid.UUID `json:"user_b_id"`
	Err     error     `json:"-"`
}

// PartialCorrelationError reports that one or more co-visitor pairs failed
// while the rest of the orchestrator run committed. Committed pairs are never
// rolled back; callers may retry the whole run safely because every pair
// upsert is atomic and idempotent.
type PartialCorrelationError struct {
	Failed []FailedPair
}

func (e *PartialCorrelationError) Error() string {
	return fmt.Sprintf("correlation completed with %d failed pair(s)", len(e.Failed))
}

// CorrelationResult is returned by the orchestrator for observability and
// testing: the set of canonical pairs touched by one run.
type CorrelationResult struct {
	Pairs        []CrossedPathsLogEntry `json:"pairs"`
	NewRelations int                    `json:"new_relations"`
}
