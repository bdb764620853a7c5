// Package stream defines the message-stream contract the audit jobs consume
// and produce through. Implementations live in the sub-packages.
package stream

import (
	"context"
	"errors"
	"time"

	"streamaudit/internal/domain"
)

var (
	// ErrUnknownTopic is returned when a topic does not exist on the backend.
	ErrUnknownTopic = errors.New("stream: unknown topic")
	// ErrClosed is returned by operations on a closed consumer, producer or backend.
	ErrClosed = errors.New("stream: closed")
	// ErrUnsupported is returned when a backend cannot answer a query.
	ErrUnsupported = errors.New("stream: operation not supported by backend")
)

// Backend opens consumers and producers over named topics.
type Backend interface {
	// Consumer returns a consumer positioned at the first message of topic.
	Consumer(ctx context.Context, topic string) (Consumer, error)
	Producer(ctx context.Context, topic string) (Producer, error)
	// Last returns the most recently appended message of topic. The boolean
	// is false when the topic holds no messages.
	Last(ctx context.Context, topic string) (domain.Message, bool, error)
	Topics(ctx context.Context) ([]string, error)
	TopicExists(ctx context.Context, topic string) (bool, error)
	Close() error
}

// Consumer reads one topic in delivery order.
type Consumer interface {
	// Receive blocks up to timeout for the next message. It returns nil, nil
	// when the timeout elapses with nothing to deliver.
	Receive(ctx context.Context, timeout time.Duration) (*domain.Message, error)
	// Seek repositions the consumer so the next Receive returns the first
	// message whose delivery time is at or after t.
	Seek(ctx context.Context, t time.Time) error
	Close() error
}

// Producer appends batches to one topic. Ids are assigned by the backend.
type Producer interface {
	Publish(ctx context.Context, msgs []domain.Message) error
	Close() error
}
