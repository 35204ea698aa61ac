package spidex

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempIDPrefix marks ids of optimistic entries the server has not confirmed.
const TempIDPrefix = "tmp-"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newTempID returns a temporary message id. IDs generated within the same
// millisecond still sort in creation order.
func newTempID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		// Monotonic entropy overflowed inside one millisecond.
		id = ulid.Make()
	}
	return TempIDPrefix + id.String()
}

// IsTempID reports whether id belongs to an unconfirmed optimistic entry.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// newClientID returns the correlation id sent with a send request.
func newClientID() string {
	return uuid.NewString()
}
