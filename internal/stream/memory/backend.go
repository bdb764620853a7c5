// Package memory is a process-local stream backend. Topics are created on
// first publish and live until the backend is closed.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"streamaudit/internal/domain"
	"streamaudit/internal/stream"

	"github.com/oklog/ulid/v2"
)

type topicLog struct {
	messages []domain.Message
	// notify is closed and replaced whenever messages grows.
	notify chan struct{}
}

type Backend struct {
	mu     sync.Mutex
	ids    *domain.IDSource
	topics map[string]*topicLog
	closed bool
}

var _ stream.Backend = (*Backend)(nil)

func NewBackend(now func() time.Time) *Backend {
	return &Backend{ids: domain.NewIDSource(now), topics: map[string]*topicLog{}}
}

// CreateTopic registers an empty topic so consumers can attach before the
// first publish.
func (b *Backend) CreateTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topicLocked(topic)
}

// Append publishes msgs to topic with their ids already assigned. Tests use it
// to inject redeliveries that reuse a position.
func (b *Backend) Append(topic string, msgs ...domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return stream.ErrClosed
	}
	t := b.topicLocked(topic)
	for _, m := range msgs {
		m = m.Clone()
		m.Topic = topic
		if m.ID == (ulid.ULID{}) {
			m.ID = b.ids.Next()
		}
		t.messages = append(t.messages, m)
	}
	close(t.notify)
	t.notify = make(chan struct{})
	return nil
}

func (b *Backend) topicLocked(topic string) *topicLog {
	t, ok := b.topics[topic]
	if !ok {
		t = &topicLog{notify: make(chan struct{})}
		b.topics[topic] = t
	}
	return t
}

func (b *Backend) Consumer(_ context.Context, topic string) (stream.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, stream.ErrClosed
	}
	if _, ok := b.topics[topic]; !ok {
		return nil, stream.ErrUnknownTopic
	}
	return &consumer{backend: b, topic: topic}, nil
}

func (b *Backend) Producer(_ context.Context, topic string) (stream.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, stream.ErrClosed
	}
	b.topicLocked(topic)
	return &producer{backend: b, topic: topic}, nil
}

func (b *Backend) Last(_ context.Context, topic string) (domain.Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return domain.Message{}, false, stream.ErrUnknownTopic
	}
	if len(t.messages) == 0 {
		return domain.Message{}, false, nil
	}
	return t.messages[len(t.messages)-1].Clone(), true, nil
}

func (b *Backend) Topics(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for name := range b.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) TopicExists(_ context.Context, topic string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[topic]
	return ok, nil
}

// Len reports how many messages topic holds.
func (b *Backend) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		return len(t.messages)
	}
	return 0
}

// Messages returns a copy of every message in topic.
func (b *Backend) Messages(topic string) []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]domain.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		close(t.notify)
		t.notify = make(chan struct{})
	}
	return nil
}

type consumer struct {
	backend *Backend
	topic   string
	next    int
	closed  bool
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*domain.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.backend.mu.Lock()
		if c.closed || c.backend.closed {
			c.backend.mu.Unlock()
			return nil, stream.ErrClosed
		}
		t := c.backend.topics[c.topic]
		if c.next < len(t.messages) {
			m := t.messages[c.next].Clone()
			c.next++
			c.backend.mu.Unlock()
			return &m, nil
		}
		wait := t.notify
		c.backend.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
}

func (c *consumer) Seek(_ context.Context, at time.Time) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	if c.closed {
		return stream.ErrClosed
	}
	ms := ulid.Timestamp(at)
	msgs := c.backend.topics[c.topic].messages
	c.next = sort.Search(len(msgs), func(i int) bool { return msgs[i].ID.Time() >= ms })
	return nil
}

func (c *consumer) Close() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.closed = true
	return nil
}

type producer struct {
	backend *Backend
	topic   string
}

func (p *producer) Publish(ctx context.Context, msgs []domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fresh := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		fresh[i] = domain.Message{Position: m.Position, Payload: m.Payload}
	}
	return p.backend.Append(p.topic, fresh...)
}

func (p *producer) Close() error { return nil }
