// Package sqlite is a relational stream backend: every topic is an
// append-only table partition in one SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"streamaudit/internal/domain"
	"streamaudit/internal/stream"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS topics (
	name TEXT PRIMARY KEY,
	created_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL REFERENCES topics(name),
	id BLOB NOT NULL,
	position TEXT NOT NULL,
	payload BLOB,
	delivered_at_ms INTEGER NOT NULL,
	UNIQUE(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_topic_seq ON messages(topic, seq);
CREATE INDEX IF NOT EXISTS idx_messages_topic_delivered ON messages(topic, delivered_at_ms, seq);

CREATE TRIGGER IF NOT EXISTS trg_messages_no_update
BEFORE UPDATE ON messages
BEGIN
	SELECT RAISE(ABORT, 'messages are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_messages_no_delete
BEFORE DELETE ON messages
BEGIN
	SELECT RAISE(ABORT, 'messages are append-only: DELETE forbidden');
END;
`

type Config struct {
	Path string
	// PollInterval bounds how long a blocked Receive sleeps between queries.
	PollInterval time.Duration
	Now          func() time.Time
}

type Store struct {
	cfg Config
	db  *sql.DB
	ids *domain.IDSource

	// writeMu serializes id assignment with commit so seq order matches id order.
	writeMu sync.Mutex
	closed  bool
}

var _ stream.Backend = (*Store)(nil)

func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir sqlite dir: %w", err)
	}
	db, err := openSQLite(cfg.Path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{cfg: cfg, db: db, ids: domain.NewIDSource(cfg.Now)}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// CreateTopic registers topic if it does not exist yet.
func (s *Store) CreateTopic(ctx context.Context, topic string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO topics(name, created_at_utc_ns) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`,
		topic, time.Now().UTC().UnixNano())
	return err
}

func (s *Store) TopicExists(ctx context.Context, topic string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM topics WHERE name=?`, topic).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Topics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM topics ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) Last(ctx context.Context, topic string) (domain.Message, bool, error) {
	ok, err := s.TopicExists(ctx, topic)
	if err != nil {
		return domain.Message{}, false, err
	}
	if !ok {
		return domain.Message{}, false, stream.ErrUnknownTopic
	}
	row := s.db.QueryRowContext(ctx, `
SELECT seq, id, position, payload FROM messages
WHERE topic=?
ORDER BY seq DESC
LIMIT 1`, topic)
	m, _, err := scanMessage(row, topic)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) Consumer(ctx context.Context, topic string) (stream.Consumer, error) {
	ok, err := s.TopicExists(ctx, topic)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stream.ErrUnknownTopic
	}
	return &consumer{store: s, topic: topic}, nil
}

func (s *Store) Producer(ctx context.Context, topic string) (stream.Producer, error) {
	if err := s.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("create topic %s: %w", topic, err)
	}
	return &producer{store: s, topic: topic}, nil
}

// AppendBatch inserts msgs in one transaction. Messages without an id get a
// fresh one; messages that carry an id keep it.
func (s *Store) AppendBatch(ctx context.Context, topic string, msgs []domain.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return stream.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO topics(name, created_at_utc_ns) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`,
		topic, time.Now().UTC().UnixNano()); err != nil {
		return err
	}
	for _, m := range msgs {
		id := m.ID
		if id == (ulid.ULID{}) {
			id = s.ids.Next()
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(topic, id, position, payload, delivered_at_ms)
VALUES (?, ?, ?, ?, ?)`, topic, id[:], m.Position, m.Payload, int64(id.Time())); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, topic string) (domain.Message, int64, error) {
	var (
		seq     int64
		rawID   []byte
		m       domain.Message
		payload []byte
	)
	if err := row.Scan(&seq, &rawID, &m.Position, &payload); err != nil {
		return domain.Message{}, 0, err
	}
	if len(rawID) != len(m.ID) {
		return domain.Message{}, 0, fmt.Errorf("message seq=%d: malformed id of %d bytes", seq, len(rawID))
	}
	copy(m.ID[:], rawID)
	m.Topic = topic
	m.Payload = payload
	return m, seq, nil
}

type consumer struct {
	store  *Store
	topic  string
	cursor int64
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*domain.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		row := c.store.db.QueryRowContext(ctx, `
SELECT seq, id, position, payload FROM messages
WHERE topic=? AND seq>?
ORDER BY seq ASC
LIMIT 1`, c.topic, c.cursor)
		m, seq, err := scanMessage(row, c.topic)
		if err == nil {
			c.cursor = seq
			return &m, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := min(remaining, c.store.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *consumer) Seek(ctx context.Context, at time.Time) error {
	var cursor sql.NullInt64
	err := c.store.db.QueryRowContext(ctx, `
SELECT max(seq) FROM messages
WHERE topic=? AND delivered_at_ms<?`, c.topic, at.UnixMilli()).Scan(&cursor)
	if err != nil {
		return err
	}
	c.cursor = cursor.Int64
	return nil
}

func (c *consumer) Close() error { return nil }

type producer struct {
	store *Store
	topic string
}

func (p *producer) Publish(ctx context.Context, msgs []domain.Message) error {
	fresh := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		fresh[i] = domain.Message{Position: m.Position, Payload: m.Payload}
	}
	return p.store.AppendBatch(ctx, p.topic, fresh)
}

func (p *producer) Close() error { return nil }
