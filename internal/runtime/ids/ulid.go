package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewCorrelationID returns a time-sortable ULID used to pair a request with
// its response. IDs are never reused within a process.
func NewCorrelationID() string {
	return newULID(time.Now()).String()
}

// NewMessageID returns a ULID for broker message UUIDs.
func NewMessageID() string {
	return newULID(time.Now()).String()
}

// IssuedAt extracts the creation time encoded in a correlation id. It returns
// false for ids that were not produced by NewCorrelationID.
func IssuedAt(correlationID string) (time.Time, bool) {
	id, err := ulid.ParseStrict(correlationID)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}

func newULID(now time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy)
}
