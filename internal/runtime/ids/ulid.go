// Package ids generates the identifiers used across the toolkit. Events,
// subscriptions, and commands use time-sortable ULIDs; sessions and users use
// random UUIDs so they stay stable once persisted.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// CreateUUID returns a random UUID string for session and user ids, which
// outlive the process and land in SQLite.
func CreateUUID() string {
	return uuid.NewString()
}
