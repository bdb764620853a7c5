package domain

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDSource hands out strictly increasing ULIDs, safe for concurrent use.
type IDSource struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
	last    ulid.ULID
}

func NewIDSource(now func() time.Time) *IDSource {
	if now == nil {
		now = time.Now
	}
	return &IDSource{now: now, entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns an id greater than every id previously returned by s, even
// when the clock stalls or steps backwards.
func (s *IDSource) Next() ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := ulid.Timestamp(s.now())
	if ms < s.last.Time() {
		ms = s.last.Time()
	}
	id, err := ulid.New(ms, s.entropy)
	if err != nil || id.Compare(s.last) <= 0 {
		// Monotonic entropy overflowed inside one millisecond; move to the next.
		id = ulid.MustNew(ms+1, s.entropy)
	}
	s.last = id
	return id
}
