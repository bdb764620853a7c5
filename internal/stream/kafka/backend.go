// Package kafka is a stream backend over franz-go. Topics are expected to
// have a single partition: delivery order is partition order, and a message's
// position and id travel in record headers.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"streamaudit/internal/domain"
	"streamaudit/internal/stream"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	HeaderPosition = "position"
	HeaderID       = "ulid"

	partition int32 = 0
)

type Config struct {
	Brokers  []string
	ClientID string
	TLS      TLSConfig
	Fetch    FetchConfig
	// LastTimeout bounds the fetch of the final record when answering Last.
	LastTimeout time.Duration
	Now         func() time.Time
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = 500 * time.Millisecond
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
	if c.LastTimeout <= 0 {
		c.LastTimeout = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	return nil
}

type Backend struct {
	cfg   Config
	opts  []kgo.Opt
	admin *kgo.Client
	ids   *domain.IDSource
}

var _ stream.Backend = (*Backend)(nil)

// NewBackend connects an admin client used for metadata queries. Extra opts
// are applied to every client the backend creates.
func NewBackend(cfg Config, opts ...kgo.Opt) (*Backend, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{cfg: cfg, opts: opts, ids: domain.NewIDSource(cfg.Now)}
	admin, err := kgo.NewClient(b.clientOpts()...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	b.admin = admin
	return b, nil
}

func (b *Backend) clientOpts(extra ...kgo.Opt) []kgo.Opt {
	kopts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.FetchMaxWait(b.cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(b.cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(b.cfg.Fetch.MaxBytes),
	}
	if b.cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(b.cfg.ClientID))
	}
	if b.cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: b.cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, b.opts...)
	return append(kopts, extra...)
}

func (b *Backend) Close() error {
	b.admin.Close()
	return nil
}

func (b *Backend) Topics(ctx context.Context) ([]string, error) {
	return b.metadata(ctx, "")
}

func (b *Backend) TopicExists(ctx context.Context, topic string) (bool, error) {
	names, err := b.metadata(ctx, topic)
	if err != nil {
		return false, err
	}
	return len(names) == 1, nil
}

// metadata lists topic names known to the cluster; a non-empty topic limits
// the request to that single topic.
func (b *Backend) metadata(ctx context.Context, topic string) ([]string, error) {
	req := kmsg.NewPtrMetadataRequest()
	req.AllowAutoTopicCreation = false
	if topic != "" {
		rt := kmsg.NewMetadataRequestTopic()
		rt.Topic = kmsg.StringPtr(topic)
		req.Topics = append(req.Topics, rt)
	}
	resp, err := req.RequestWith(ctx, b.admin)
	if err != nil {
		return nil, fmt.Errorf("kafka metadata: %w", err)
	}
	var out []string
	for _, t := range resp.Topics {
		if t.ErrorCode != 0 || t.Topic == nil || t.IsInternal {
			continue
		}
		out = append(out, *t.Topic)
	}
	return out, nil
}

// endOffset returns the offset the next produced record will get.
func (b *Backend) endOffset(ctx context.Context, topic string) (int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	rt := kmsg.NewListOffsetsRequestTopic()
	rt.Topic = topic
	rp := kmsg.NewListOffsetsRequestTopicPartition()
	rp.Partition = partition
	rp.Timestamp = -1 // latest
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, b.admin)
	if err != nil {
		return 0, fmt.Errorf("kafka list offsets: %w", err)
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.Partition != partition {
				continue
			}
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				if errors.Is(err, kerr.UnknownTopicOrPartition) {
					return 0, stream.ErrUnknownTopic
				}
				return 0, err
			}
			return p.Offset, nil
		}
	}
	return 0, stream.ErrUnknownTopic
}

func (b *Backend) Last(ctx context.Context, topic string) (domain.Message, bool, error) {
	end, err := b.endOffset(ctx, topic)
	if err != nil {
		return domain.Message{}, false, err
	}
	if end == 0 {
		return domain.Message{}, false, nil
	}
	c, err := b.openConsumer(topic, kgo.NewOffset().At(end-1))
	if err != nil {
		return domain.Message{}, false, err
	}
	defer c.Close()
	m, err := c.Receive(ctx, b.cfg.LastTimeout)
	if err != nil {
		return domain.Message{}, false, err
	}
	if m == nil {
		return domain.Message{}, false, fmt.Errorf("kafka last record of %s at offset %d not fetched within %s", topic, end-1, b.cfg.LastTimeout)
	}
	return *m, true, nil
}

func (b *Backend) Consumer(ctx context.Context, topic string) (stream.Consumer, error) {
	ok, err := b.TopicExists(ctx, topic)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stream.ErrUnknownTopic
	}
	return b.openConsumer(topic, kgo.NewOffset().AtStart())
}

func (b *Backend) openConsumer(topic string, from kgo.Offset) (*consumer, error) {
	c := &consumer{backend: b, topic: topic}
	if err := c.reset(from); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Backend) Producer(_ context.Context, topic string) (stream.Producer, error) {
	cl, err := kgo.NewClient(b.clientOpts(
		kgo.DefaultProduceTopic(topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.AllowAutoTopicCreation(),
	)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	return &producer{backend: b, topic: topic, client: cl}, nil
}

type consumer struct {
	backend *Backend
	topic   string
	client  *kgo.Client
	pending []*kgo.Record
}

func (c *consumer) reset(from kgo.Offset) error {
	if c.client != nil {
		c.client.Close()
	}
	cl, err := kgo.NewClient(c.backend.clientOpts(
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{c.topic: {partition: from}}),
	)...)
	if err != nil {
		return fmt.Errorf("new kafka consumer: %w", err)
	}
	c.client = cl
	c.pending = nil
	return nil
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*domain.Message, error) {
	if len(c.pending) == 0 {
		pollCtx, cancel := context.WithTimeout(ctx, timeout)
		fetches := c.client.PollFetches(pollCtx)
		cancel()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fetches.IsClientClosed() {
			return nil, stream.ErrClosed
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
				continue
			}
			return nil, fmt.Errorf("kafka fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
		}
		fetches.EachRecord(func(r *kgo.Record) { c.pending = append(c.pending, r) })
		if len(c.pending) == 0 {
			return nil, nil
		}
	}
	rec := c.pending[0]
	c.pending = c.pending[1:]
	m := recordToMessage(rec)
	return &m, nil
}

func (c *consumer) Seek(_ context.Context, at time.Time) error {
	return c.reset(kgo.NewOffset().AfterMilli(at.UnixMilli()))
}

func (c *consumer) Close() error {
	c.client.Close()
	return nil
}

type producer struct {
	backend *Backend
	topic   string
	client  *kgo.Client
}

func (p *producer) Publish(ctx context.Context, msgs []domain.Message) error {
	recs := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		recs = append(recs, messageToRecord(p.topic, m, p.backend.ids.Next()))
	}
	if err := p.client.ProduceSync(ctx, recs...).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", p.topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	p.client.Close()
	return nil
}

func messageToRecord(topic string, m domain.Message, id ulid.ULID) *kgo.Record {
	return &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Key:       []byte(m.Position),
		Value:     m.Payload,
		Timestamp: ulid.Time(id.Time()),
		Headers: []kgo.RecordHeader{
			{Key: HeaderPosition, Value: []byte(m.Position)},
			{Key: HeaderID, Value: []byte(id.String())},
		},
	}
}

// recordToMessage maps a record back to a delivery. Records produced outside
// this service may lack the headers: the key stands in for the position and
// the id is derived from timestamp, partition and offset, so rereading the
// same record always yields the same id.
func recordToMessage(r *kgo.Record) domain.Message {
	m := domain.Message{Topic: r.Topic, Payload: r.Value}
	var haveID, havePosition bool
	for _, h := range r.Headers {
		switch h.Key {
		case HeaderPosition:
			m.Position, havePosition = string(h.Value), true
		case HeaderID:
			if id, err := ulid.ParseStrict(string(h.Value)); err == nil {
				m.ID, haveID = id, true
			}
		}
	}
	if !havePosition {
		if len(r.Key) > 0 {
			m.Position = string(r.Key)
		} else {
			m.Position = strconv.FormatInt(r.Offset, 10)
		}
	}
	if !haveID {
		m.ID = derivedID(r)
	}
	return m
}

func derivedID(r *kgo.Record) ulid.ULID {
	var id ulid.ULID
	_ = id.SetTime(ulid.Timestamp(r.Timestamp))
	var entropy [10]byte
	binary.BigEndian.PutUint16(entropy[:2], uint16(r.Partition))
	binary.BigEndian.PutUint64(entropy[2:], uint64(r.Offset))
	_ = id.SetEntropy(entropy[:])
	return id
}
