// Package rabbitmq is a stream backend over RabbitMQ stream queues. Each topic
// is a durable queue declared with x-queue-type=stream, consumed over AMQP
// 0.9.1 with x-stream-offset for replay and time-based seek.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"streamaudit/internal/domain"
	"streamaudit/internal/stream"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rabbitmq/amqp091-go"
)

const (
	HeaderPosition = "position"
	streamOffset   = "x-stream-offset"
)

type Config struct {
	URL         string
	Endpoints   []string
	Prefetch    int
	TLS         TLSConfig
	Auth        AuthConfig
	LastTimeout time.Duration
	Now         func() time.Time
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	if c.Prefetch < 1 {
		return fmt.Errorf("rabbitmq prefetch must be >= 1")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

type Backend struct {
	cfg  Config
	conn *amqp091.Connection
	ids  *domain.IDSource

	closeOnce sync.Once
	closeErr  error
}

var _ stream.Backend = (*Backend)(nil)

func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Prefetch == 0 {
		cfg.Prefetch = 1000
	}
	if cfg.LastTimeout <= 0 {
		cfg.LastTimeout = 2 * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialCfg := amqp091.Config{}
	if cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}}
	}
	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	dialCfg.TLSClientConfig = tlsCfg
	conn, err := amqp091.DialConfig(cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return &Backend{cfg: cfg, conn: conn, ids: domain.NewIDSource(cfg.Now)}, nil
}

func (b *Backend) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.conn.Close() })
	return b.closeErr
}

func streamArgs() amqp091.Table {
	return amqp091.Table{"x-queue-type": "stream"}
}

// Topics is not answerable over AMQP 0.9.1; callers fall back to the topics
// they have indexed.
func (b *Backend) Topics(context.Context) ([]string, error) {
	return nil, stream.ErrUnsupported
}

func (b *Backend) TopicExists(_ context.Context, topic string) (bool, error) {
	// A failed passive declare closes the channel, so use a throwaway one.
	ch, err := b.conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	_, err = ch.QueueDeclarePassive(topic, true, false, false, false, streamArgs())
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp091.NotFound {
		return false, nil
	}
	_ = ch.Close()
	if err != nil {
		return false, fmt.Errorf("declare passive %s: %w", topic, err)
	}
	return true, nil
}

func (b *Backend) Consumer(ctx context.Context, topic string) (stream.Consumer, error) {
	ok, err := b.TopicExists(ctx, topic)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stream.ErrUnknownTopic
	}
	c := &consumer{backend: b, topic: topic}
	if err := c.open("first"); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Backend) Producer(_ context.Context, topic string) (stream.Producer, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, streamArgs()); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare stream %s: %w", topic, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &producer{backend: b, topic: topic, ch: ch}, nil
}

// Last attaches at the final chunk of the stream and keeps the newest
// delivery seen before the stream goes quiet.
func (b *Backend) Last(ctx context.Context, topic string) (domain.Message, bool, error) {
	ok, err := b.TopicExists(ctx, topic)
	if err != nil {
		return domain.Message{}, false, err
	}
	if !ok {
		return domain.Message{}, false, stream.ErrUnknownTopic
	}
	c := &consumer{backend: b, topic: topic}
	if err := c.open("last"); err != nil {
		return domain.Message{}, false, err
	}
	defer c.Close()

	var (
		last  domain.Message
		found bool
	)
	for {
		m, err := c.Receive(ctx, b.cfg.LastTimeout)
		if err != nil {
			return domain.Message{}, false, err
		}
		if m == nil {
			return last, found, nil
		}
		last, found = *m, true
	}
}

type consumer struct {
	backend    *Backend
	topic      string
	ch         *amqp091.Channel
	tag        string
	deliveries <-chan amqp091.Delivery
	// notBefore drops deliveries that precede a seek target; stream offsets
	// resolve timestamps to chunk boundaries.
	notBefore time.Time
}

func (c *consumer) open(offset any) error {
	ch, err := c.backend.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(c.backend.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	tag := "streamaudit-" + uuid.NewString()
	deliveries, err := ch.Consume(c.topic, tag, false, false, false, false, amqp091.Table{streamOffset: offset})
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume stream %s: %w", c.topic, err)
	}
	c.ch, c.tag, c.deliveries = ch, tag, deliveries
	return nil
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*domain.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case d, ok := <-c.deliveries:
			if !ok {
				return nil, stream.ErrClosed
			}
			if err := d.Ack(false); err != nil {
				return nil, fmt.Errorf("ack delivery: %w", err)
			}
			m := deliveryToMessage(c.topic, d)
			if !c.notBefore.IsZero() && m.Time().Before(c.notBefore) {
				continue
			}
			return &m, nil
		}
	}
}

func (c *consumer) Seek(_ context.Context, at time.Time) error {
	if err := c.Close(); err != nil {
		return err
	}
	c.notBefore = at.Truncate(time.Millisecond)
	return c.open(at)
}

func (c *consumer) Close() error {
	if c.ch == nil {
		return nil
	}
	_ = c.ch.Cancel(c.tag, false)
	err := c.ch.Close()
	c.ch = nil
	return err
}

type producer struct {
	backend *Backend
	topic   string
	ch      *amqp091.Channel
}

func (p *producer) Publish(ctx context.Context, msgs []domain.Message) error {
	confirms := make([]*amqp091.DeferredConfirmation, 0, len(msgs))
	for _, m := range msgs {
		dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", p.topic, false, false, messageToPublishing(m, p.backend.ids.Next()))
		if err != nil {
			return fmt.Errorf("publish to %s: %w", p.topic, err)
		}
		confirms = append(confirms, dc)
	}
	for _, dc := range confirms {
		acked, err := dc.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("await confirm: %w", err)
		}
		if !acked {
			return fmt.Errorf("publish to %s: broker nacked delivery tag %d", p.topic, dc.DeliveryTag)
		}
	}
	return nil
}

func (p *producer) Close() error {
	return p.ch.Close()
}

func messageToPublishing(m domain.Message, id ulid.ULID) amqp091.Publishing {
	return amqp091.Publishing{
		MessageId:    id.String(),
		Timestamp:    ulid.Time(id.Time()),
		DeliveryMode: amqp091.Persistent,
		Headers:      amqp091.Table{HeaderPosition: m.Position},
		Body:         m.Payload,
	}
}

func deliveryToMessage(topic string, d amqp091.Delivery) domain.Message {
	m := domain.Message{Topic: topic, Payload: d.Body}
	offset, hasOffset := headerInt(d.Headers, streamOffset)
	if pos, ok := d.Headers[HeaderPosition]; ok {
		m.Position = fmt.Sprint(pos)
	} else if hasOffset {
		m.Position = strconv.FormatInt(offset, 10)
	}
	if id, err := ulid.ParseStrict(d.MessageId); err == nil {
		m.ID = id
		return m
	}
	_ = m.ID.SetTime(ulid.Timestamp(d.Timestamp))
	var entropy [10]byte
	binary.BigEndian.PutUint64(entropy[2:], uint64(offset))
	_ = m.ID.SetEntropy(entropy[:])
	return m
}

func headerInt(table amqp091.Table, key string) (int64, bool) {
	switch v := table[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
