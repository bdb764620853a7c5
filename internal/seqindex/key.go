package seqindex

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// MaxPositionLen is the longest position the one-byte length prefix can carry.
const MaxPositionLen = 255

var (
	ErrPositionTooLong = errors.New("seqindex: position longer than 255 bytes")
	ErrMalformedKey    = errors.New("seqindex: malformed key")
)

// Key identifies one delivery: the position it addressed and the id the
// stream stamped on it.
type Key struct {
	Position string
	ID       ulid.ULID
}

// EncodeKey lays a key out as [len][position][id]. The id's 16 bytes are the
// high and low 64-bit big-endian words of the ULID, so bytewise order within
// one position is id order. Positions of different lengths group by length
// first and do not sort numerically against each other.
func EncodeKey(k Key) ([]byte, error) {
	if len(k.Position) > MaxPositionLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPositionTooLong, len(k.Position))
	}
	buf := make([]byte, 0, 1+len(k.Position)+len(k.ID))
	buf = append(buf, byte(len(k.Position)))
	buf = append(buf, k.Position...)
	buf = append(buf, k.ID[:]...)
	return buf, nil
}

func DecodeKey(b []byte) (Key, error) {
	if len(b) < 1 {
		return Key{}, ErrMalformedKey
	}
	n := int(b[0])
	if len(b) != 1+n+len(ulid.ULID{}) {
		return Key{}, fmt.Errorf("%w: %d bytes for position length %d", ErrMalformedKey, len(b), n)
	}
	var k Key
	k.Position = string(b[1 : 1+n])
	copy(k.ID[:], b[1+n:])
	return k, nil
}

// Compare orders keys the way the index iterates them.
func (k Key) Compare(o Key) int {
	if len(k.Position) != len(o.Position) {
		if len(k.Position) < len(o.Position) {
			return -1
		}
		return 1
	}
	if c := bytes.Compare([]byte(k.Position), []byte(o.Position)); c != 0 {
		return c
	}
	return k.ID.Compare(o.ID)
}

func (k Key) String() string {
	return k.Position + "@" + k.ID.String()
}
