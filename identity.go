package fallpaper

import (
	"crypto/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new time-ordered unique identifier.
//
// IDs are ULIDs: lexicographic order matches creation order, which the
// gallery cursor and the run claim ordering both rely on. Monotonic entropy
// keeps IDs generated within the same millisecond strictly increasing.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ParseIDTime extracts the creation time encoded in an ID.
func ParseIDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9-]+`)

// Slugify derives a URL-safe slug from a device display name.
// "Living Room TV" becomes "living-room-tv". The result is stable for a
// given input; uniqueness across devices is enforced by the store.
func Slugify(name string) string {
	s := strcase.ToKebab(strings.TrimSpace(name))
	s = slugStrip.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return s
}
