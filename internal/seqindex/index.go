// Package seqindex is the per-topic sequence index: an embedded bolt file
// holding one key per delivery, ordered by position then id.
package seqindex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/oklog/ulid/v2"
)

const DefaultBatchSize = 10000

var (
	ErrClosed        = errors.New("seqindex: index closed")
	ErrEmpty         = errors.New("seqindex: index is empty")
	ErrWriteRejected = errors.New("seqindex: write rejected")

	errStop = errors.New("stop")
)

type Options struct {
	// BatchSize is the number of buffered writes that triggers a flush.
	BatchSize int
	// OpenTimeout bounds the wait for the file lock held by another writer.
	OpenTimeout time.Duration
	ReadOnly    bool
}

// Index is single-writer: bolt holds an exclusive file lock for as long as
// the index is open.
type Index struct {
	mu      sync.Mutex
	db      *bolt.DB
	bucket  []byte
	path    string
	batch   int
	pending [][]byte
	written uint64
	failed  error
	closed  bool
}

// Open opens or creates the index file at path for topic.
func Open(path, topic string, opts Options) (*Index, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Second
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir index dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.OpenTimeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	ix := &Index{db: db, bucket: []byte(topic), path: path, batch: opts.BatchSize}
	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(ix.bucket)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create bucket %q: %w", topic, err)
		}
	}
	return ix, nil
}

// Purge removes the index file at path. A missing file is not an error.
func Purge(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("purge index %s: %w", path, err)
	}
	return nil
}

func (ix *Index) Path() string { return ix.path }

// WriteSequence buffers the key for (id, position) and flushes once the
// buffer reaches the batch size. A failed flush poisons the index: this and
// every later write return ErrWriteRejected.
func (ix *Index) WriteSequence(id ulid.ULID, position string) error {
	key, err := EncodeKey(Key{Position: position, ID: id})
	if err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	if ix.failed != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, ix.failed)
	}
	ix.pending = append(ix.pending, key)
	if len(ix.pending) < ix.batch {
		return nil
	}
	if err := ix.flushLocked(); err != nil {
		ix.failed = err
		return fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return nil
}

func (ix *Index) flushLocked() error {
	if len(ix.pending) == 0 {
		return nil
	}
	err := ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ix.bucket)
		if b == nil {
			return fmt.Errorf("bucket %q missing", ix.bucket)
		}
		for _, k := range ix.pending {
			if err := b.Put(k, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush %d keys: %w", len(ix.pending), err)
	}
	ix.written += uint64(len(ix.pending))
	ix.pending = ix.pending[:0]
	return nil
}

// Commit flushes buffered writes in one transaction.
func (ix *Index) Commit() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	if ix.failed != nil {
		return fmt.Errorf("%w: %v", ErrWriteRejected, ix.failed)
	}
	if err := ix.flushLocked(); err != nil {
		ix.failed = err
		return err
	}
	return nil
}

// Written is the number of keys flushed to disk by this handle.
func (ix *Index) Written() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.written
}

// Close flushes pending writes and releases the file. It is idempotent.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	var flushErr error
	if ix.failed == nil && !ix.db.IsReadOnly() {
		flushErr = ix.flushLocked()
	}
	return errors.Join(flushErr, ix.db.Close())
}

// ReadSequence visits every flushed key in store order inside one read
// transaction. A non-nil error from visit stops the scan and is returned.
func (ix *Index) ReadSequence(visit func(Key) error) error {
	ix.mu.Lock()
	closed := ix.closed
	ix.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(ix.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			key, err := DecodeKey(k)
			if err != nil {
				return err
			}
			if err := visit(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of flushed keys.
func (ix *Index) Count() (int, error) {
	var n int
	err := ix.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(ix.bucket); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// First returns the first key in store order.
func (ix *Index) First() (Key, error) {
	var first Key
	found := false
	err := ix.ReadSequence(func(k Key) error {
		first, found = k, true
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return Key{}, err
	}
	if !found {
		return Key{}, ErrEmpty
	}
	return first, nil
}

// Bounds returns the replay bounds of the index. first is the first key in
// store order. last is chosen by reducing every position to its oldest
// delivery and keeping the newest of those, so redeliveries never move the
// bound past the first time a position was seen.
func (ix *Index) Bounds() (first, last Key, err error) {
	var (
		group    PositionAndVersion
		best     PositionAndVersion
		haveAny  bool
		previous string
	)
	closeGroup := func() {
		if k, ok := group.Get(); ok {
			if b, set := best.Get(); !set || k.ID.Compare(b.ID) > 0 {
				best = PositionAndVersion{}
				best.CompareAndSet(k.ID, k.Position)
			}
		}
		group.Reset()
	}
	err = ix.ReadSequence(func(k Key) error {
		if !haveAny {
			first, haveAny = k, true
		} else if k.Position != previous {
			closeGroup()
		}
		group.CompareAndSet(k.ID, k.Position)
		previous = k.Position
		return nil
	})
	if err != nil {
		return Key{}, Key{}, err
	}
	if !haveAny {
		return Key{}, Key{}, ErrEmpty
	}
	closeGroup()
	last, _ = best.Get()
	return first, last, nil
}
