package seqindex

import "github.com/oklog/ulid/v2"

// PositionAndVersion holds the oldest delivery seen for a position.
type PositionAndVersion struct {
	key Key
	set bool
}

// CompareAndSet stores (id, position) when nothing is held yet or id is
// strictly older than the held id. It reports whether the value changed.
func (p *PositionAndVersion) CompareAndSet(id ulid.ULID, position string) bool {
	if p.set && id.Compare(p.key.ID) >= 0 {
		return false
	}
	p.key = Key{Position: position, ID: id}
	p.set = true
	return true
}

// Get returns the held key; the boolean is false while empty.
func (p *PositionAndVersion) Get() (Key, bool) {
	return p.key, p.set
}

func (p *PositionAndVersion) Reset() {
	*p = PositionAndVersion{}
}
