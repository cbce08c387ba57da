package crossings

import (
	"bytes"

	"github.com/google/uuid"
)

// PairKey is an unordered user pair stored in canonical order: First is
// strictly less than Second under byte order of the raw UUID values (which
// matches lexicographic order of their canonical string form). Every log and
// relationship write goes through a PairKey, so the single-row-per-pair
// invariant lives here and nowhere else.
type PairKey struct {
	First  uuid.UUID
	Second uuid.UUID
}

// NewPairKey canonicalizes two user ids into a PairKey. Commutative:
// NewPairKey(a, b) == NewPairKey(b, a).
func NewPairKey(a, b uuid.UUID) PairKey {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return PairKey{First: a, Second: b}
}

// Contains reports whether the pair includes the given user.
func (p PairKey) Contains(userID uuid.UUID) bool {
	return p.First == userID || p.Second == userID
}

// Other returns the pair member that is not the given user.
func (p PairKey) Other(userID uuid.UUID) uuid.UUID {
	if p.First == userID {
		return p.Second
	}
	return p.First
}

// VenueSnapshot is the denormalized venue data written alongside a crossing.
type VenueSnapshot struct {
	VenueID   uuid.UUID
	VenueName string
	Latitude  float64
	Longitude float64
}
