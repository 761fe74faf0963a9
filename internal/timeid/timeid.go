// Package timeid mints the time-ordered UUIDs (v7-like) used for every
// "created-at" ordering in the data model: accounts, commits, jobs, and log
// sessions. Primary-key order equals creation order, so callers never need
// a separate created_at column for sort purposes (though Job and Commit
// still carry one for readability and for timeout arithmetic).
package timeid

import (
	"github.com/google/uuid"
)

// New returns a new time-ordered (UUIDv7) identifier.
func New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system entropy source is broken; fall
		// back to a random v4 rather than panic in a hot path.
		return uuid.New()
	}
	return id
}

// Parse parses a UUID string, surfacing failures the same way uuid.Parse
// does. Exists so call sites don't import "github.com/google/uuid" directly
// just to parse a path parameter.
func Parse(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
