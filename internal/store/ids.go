package store

import "github.com/google/uuid"

// GenNewID returns a fresh random UUID for new rows across every store
// implementation (PG primary keys, span IDs, etc.), keeping ID generation
// in one place rather than scattering uuid.New() calls.
func GenNewID() uuid.UUID {
	return uuid.New()
}
