package crypto

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUIDv7 generates a time-ordered UUID v7 for bot identities.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewULID returns a lexicographically sortable ID for feed items, rooms,
// messages and audit rows. IDs from one process are strictly increasing,
// which makes them usable as pagination cursors.
func NewULID() string {
	return ulid.Make().String()
}

// ValidULID reports whether s parses as a ULID.
func ValidULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
