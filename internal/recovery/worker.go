// Package recovery replays a source topic into a target topic between the
// bounds recorded in the source's sequence index, then reads back the tail of
// the target.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"streamaudit/internal/domain"
	"streamaudit/internal/metrics"
	"streamaudit/internal/report"
	"streamaudit/internal/seqindex"
	"streamaudit/internal/stream"
	"streamaudit/internal/workdir"

	"go.uber.org/zap"
)

var ErrNoIndex = errors.New("recovery: topic has no sequence index")

type Config struct {
	ReceiveTimeout   time.Duration
	BatchSize        int
	TailTimeout      time.Duration
	ReportFlushEvery int
}

func (c *Config) withDefaults() {
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.TailTimeout <= 0 {
		c.TailTimeout = 3 * time.Second
	}
	if c.ReportFlushEvery <= 0 {
		c.ReportFlushEvery = report.DefaultFlushEvery
	}
}

type Worker struct {
	cfg     Config
	source  workdir.Dir
	target  string
	backend stream.Backend
	log     *zap.Logger
	metrics *metrics.Metrics

	terminated atomic.Bool
	stopMu     sync.Mutex
	stop       context.CancelFunc

	mu      sync.Mutex
	monitor Monitor
}

func NewWorker(source workdir.Dir, target string, backend stream.Backend, cfg Config, log *zap.Logger, m *metrics.Metrics) *Worker {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Worker{
		cfg:     cfg,
		source:  source,
		target:  target,
		backend: backend,
		log:     log.With(zap.String("topic", source.Topic), zap.String("target", target)),
		metrics: m,
		monitor: Monitor{SourceTopic: source.Topic, TargetTopic: target, IndexPath: source.IndexPath()},
	}
}

func (w *Worker) Snapshot() Monitor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.monitor.clone()
}

func (w *Worker) update(fn func(*Monitor)) {
	w.mu.Lock()
	fn(&w.monitor)
	w.mu.Unlock()
}

func (w *Worker) Cancel() {
	w.terminated.Store(true)
	w.stopMu.Lock()
	if w.stop != nil {
		w.stop()
	}
	w.stopMu.Unlock()
}

func (w *Worker) canceled() bool { return w.terminated.Load() }

// interrupted reports whether err is the cancellation of this worker rather
// than a transport failure.
func (w *Worker) interrupted(err error) bool {
	return w.canceled() && errors.Is(err, context.Canceled)
}

// Run replays the source into the target and reconciles the target's tail.
// The monitor is persisted on every exit path.
func (w *Worker) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.stopMu.Lock()
	w.stop = cancel
	w.stopMu.Unlock()
	if w.canceled() {
		cancel()
	}

	w.update(func(m *Monitor) {
		m.Running = true
		m.StartedAt = time.Now().UTC()
	})
	w.log.Info("recovery started")
	defer func() {
		end := time.Now().UTC()
		w.update(func(m *Monitor) {
			m.Running = false
			m.EndedAt = &end
			m.Canceled = w.canceled()
			if err != nil {
				m.Error = err.Error()
			}
		})
		snap := w.Snapshot()
		if serr := SaveMonitor(w.source, snap); serr != nil {
			err = errors.Join(err, serr)
		}
		w.log.Info("recovery finished",
			zap.Int64("copied", snap.CopiedPositions),
			zap.Int64("tail_checked", snap.Tail.Checked),
			zap.Bool("canceled", snap.Canceled),
			zap.Error(err))
	}()

	first, last, err := w.bounds()
	if err != nil {
		return err
	}
	w.update(func(m *Monitor) {
		m.StartPosition = first.Position
		m.LastPosition = last.Position
		m.LastID = last.ID.String()
	})

	lastReplayed, err := w.replay(ctx, last)
	if err != nil {
		return err
	}
	if w.canceled() || lastReplayed.IsZero() {
		return nil
	}
	return w.reconcileTail(ctx, lastReplayed)
}

func (w *Worker) bounds() (first, last seqindex.Key, err error) {
	path := w.source.IndexPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return first, last, fmt.Errorf("%w: %s", ErrNoIndex, w.source.Topic)
	}
	ix, err := seqindex.Open(path, w.source.Topic, seqindex.Options{ReadOnly: true})
	if err != nil {
		return first, last, err
	}
	defer ix.Close()
	first, last, err = ix.Bounds()
	if err != nil {
		return first, last, fmt.Errorf("bounds of %s: %w", w.source.Topic, err)
	}
	return first, last, nil
}

// replay copies source messages to the target in batches until the delivery
// matching last has been published. It returns the delivery time of the last
// replayed message, or the zero time when nothing was replayed.
func (w *Worker) replay(ctx context.Context, last seqindex.Key) (lastReplayed time.Time, err error) {
	consumer, err := w.backend.Consumer(ctx, w.source.Topic)
	if err != nil {
		return time.Time{}, fmt.Errorf("open consumer on %s: %w", w.source.Topic, err)
	}
	producer, err := w.backend.Producer(ctx, w.target)
	if err != nil {
		_ = consumer.Close()
		return time.Time{}, fmt.Errorf("open producer on %s: %w", w.target, err)
	}
	defer func() {
		err = errors.Join(err, consumer.Close(), producer.Close())
	}()

	buffer := make([]domain.Message, 0, w.cfg.BatchSize)
	var newest time.Time
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		started := time.Now()
		if err := producer.Publish(ctx, buffer); err != nil {
			return fmt.Errorf("publish batch to %s: %w", w.target, err)
		}
		w.metrics.ReplayBatchDuration.Observe(time.Since(started).Seconds())
		w.metrics.ReplayedMessages.Add(float64(len(buffer)))
		n := len(buffer)
		at := newest
		w.update(func(m *Monitor) {
			m.CopiedPositions += int64(n)
			m.Batches++
			m.BufferedPositions = 0
			m.LastReplayedAt = &at
		})
		lastReplayed = newest
		buffer = buffer[:0]
		return nil
	}

	for !w.canceled() {
		msg, err := consumer.Receive(ctx, w.cfg.ReceiveTimeout)
		if err != nil {
			if w.interrupted(err) {
				break
			}
			return lastReplayed, fmt.Errorf("receive from %s: %w", w.source.Topic, err)
		}
		if msg == nil {
			w.log.Warn("source went quiet before the last indexed position")
			if err := flush(); err != nil {
				return lastReplayed, err
			}
			break
		}
		buffer = append(buffer, domain.Message{Position: msg.Position, Payload: msg.Payload})
		newest = msg.Time()
		reached := msg.ID == last.ID && msg.Position == last.Position
		w.update(func(m *Monitor) {
			m.CurrentPosition = msg.Position
			m.BufferedPositions = len(buffer)
		})
		if len(buffer) >= w.cfg.BatchSize || reached {
			if err := flush(); err != nil {
				return lastReplayed, err
			}
		}
		if reached {
			w.update(func(m *Monitor) { m.ReachedLast = true })
			break
		}
	}
	return lastReplayed, nil
}

// reconcileTail reads the target from min(last target delivery, last
// replayed delivery) until it goes quiet and records every position seen.
func (w *Worker) reconcileTail(ctx context.Context, lastReplayed time.Time) (err error) {
	from := lastReplayed
	targetLast, ok, err := w.backend.Last(ctx, w.target)
	if err != nil {
		return fmt.Errorf("last message of %s: %w", w.target, err)
	}
	if ok && targetLast.Time().Before(from) {
		from = targetLast.Time()
	}

	consumer, err := w.backend.Consumer(ctx, w.target)
	if err != nil {
		return fmt.Errorf("open consumer on %s: %w", w.target, err)
	}
	defer func() { err = errors.Join(err, consumer.Close()) }()
	if err := consumer.Seek(ctx, from); err != nil {
		return fmt.Errorf("seek %s to %s: %w", w.target, from, err)
	}

	rw, err := report.Create(w.source.TailPath(), w.cfg.ReportFlushEvery)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rw.Close()) }()
	w.update(func(m *Monitor) {
		m.Tail = TailStats{From: &from, Report: w.source.TailPath()}
	})

	for !w.canceled() {
		msg, err := consumer.Receive(ctx, w.cfg.TailTimeout)
		if err != nil {
			if w.interrupted(err) {
				return nil
			}
			return fmt.Errorf("tail receive from %s: %w", w.target, err)
		}
		if msg == nil {
			return nil
		}
		if err := rw.Write(tailRecord{Position: msg.Position, ID: msg.ID.String(), Time: msg.Time()}); err != nil {
			return fmt.Errorf("tail report: %w", err)
		}
		w.metrics.TailMessages.Inc()
		w.update(func(m *Monitor) {
			if m.Tail.Checked == 0 {
				m.Tail.StartPosition = msg.Position
			}
			m.Tail.LastPosition = msg.Position
			m.Tail.Checked++
		})
	}
	return nil
}

type tailRecord struct {
	Position string    `json:"position"`
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
}
