package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is one physical delivery read from, or written to, a topic.
//
// Position identifies the application-level slot and may recur across
// deliveries. ID is assigned by the stream at delivery time and is unique
// per delivery; its timestamp orders deliveries.
type Message struct {
	Topic    string
	Position string
	ID       ulid.ULID
	Payload  []byte
}

// Time is the delivery timestamp encoded in the message id.
func (m Message) Time() time.Time {
	return ulid.Time(m.ID.Time()).UTC()
}

// Same reports whether m and other are the same delivery of the same position.
func (m Message) Same(other Message) bool {
	return m.ID == other.ID && m.Position == other.Position
}

// Clone returns a copy whose payload does not alias m's.
func (m Message) Clone() Message {
	m.Payload = append([]byte(nil), m.Payload...)
	return m
}
