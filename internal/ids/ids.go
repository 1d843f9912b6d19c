package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// KeyID builds a key identifier scoped to an organization, e.g. "org01h-01HX...".
// The prefix only helps operators read JWKS documents; lookups use the full value.
func KeyID(organizationID string) string {
	prefix := strings.ToLower(strings.TrimSpace(organizationID))
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	if prefix == "" {
		prefix = "org"
	}
	return prefix + "-" + strings.ToLower(New())
}

// RequestID returns a random identifier for correlating log lines.
func RequestID() string {
	return uuid.NewString()
}
