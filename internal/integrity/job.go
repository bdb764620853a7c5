// Package integrity runs integrity checks: it reads a topic end to end into a
// sequence index and reports every position that was delivered more than
// once.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
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

var errCanceled = errors.New("integrity: check canceled")

type Config struct {
	ReceiveTimeout   time.Duration
	IndexBatchSize   int
	ReportFlushEvery int
}

func (c *Config) withDefaults() {
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 15 * time.Second
	}
	if c.IndexBatchSize <= 0 {
		c.IndexBatchSize = seqindex.DefaultBatchSize
	}
	if c.ReportFlushEvery <= 0 {
		c.ReportFlushEvery = report.DefaultFlushEvery
	}
}

// Job is one check run over one topic. It moves created -> running -> closed
// and is not reusable.
type Job struct {
	cfg     Config
	dir     workdir.Dir
	backend stream.Backend
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	index      *seqindex.Index
	terminated atomic.Bool
	stopMu     sync.Mutex
	stop       context.CancelFunc

	mu      sync.Mutex
	summary Summary
}

func NewJob(dir workdir.Dir, backend stream.Backend, cfg Config, log *zap.Logger, m *metrics.Metrics) *Job {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Job{
		cfg:     cfg,
		dir:     dir,
		backend: backend,
		log:     log.With(zap.String("topic", dir.Topic)),
		metrics: m,
		now:     time.Now,
		summary: Summary{Topic: dir.Topic, Status: StatusCreated},
	}
}

// Snapshot returns a copy of the current summary.
func (j *Job) Snapshot() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.summary.clone()
}

func (j *Job) update(fn func(*Summary)) {
	j.mu.Lock()
	fn(&j.summary)
	j.mu.Unlock()
}

// Cancel asks the running loops to stop. In-flight receives are interrupted.
func (j *Job) Cancel() {
	j.terminated.Store(true)
	j.stopMu.Lock()
	if j.stop != nil {
		j.stop()
	}
	j.stopMu.Unlock()
}

func (j *Job) canceled() bool { return j.terminated.Load() }

// Run opens the topic's index, consumes the topic, writes the duplicate
// report and persists the summary. The summary is persisted on every exit
// path; the index is closed but left on disk.
func (j *Job) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.stopMu.Lock()
	j.stop = cancel
	j.stopMu.Unlock()
	if j.canceled() {
		cancel()
	}

	j.update(func(s *Summary) {
		s.Status = StatusRunning
		s.StartedAt = j.now().UTC()
	})
	j.log.Info("integrity check started")

	defer func() {
		if errors.Is(err, errCanceled) || (err != nil && j.canceled() && errors.Is(err, context.Canceled)) {
			err = nil
		}
		end := j.now().UTC()
		j.update(func(s *Summary) {
			s.Status = StatusClosed
			s.EndedAt = &end
			s.Canceled = j.canceled()
			if err != nil {
				s.Error = err.Error()
			}
		})
		if serr := j.GenerateSummary(); serr != nil {
			err = errors.Join(err, serr)
		}
		snap := j.Snapshot()
		j.log.Info("integrity check closed",
			zap.Int64("count", snap.Count),
			zap.Int("duplicate_positions", snap.DuplicatePositions),
			zap.Bool("canceled", snap.Canceled),
			zap.Error(err))
	}()

	ix, err := seqindex.Open(j.dir.IndexPath(), j.dir.Topic, seqindex.Options{BatchSize: j.cfg.IndexBatchSize})
	if err != nil {
		return err
	}
	j.index = ix
	defer func() {
		if cerr := ix.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close index: %w", cerr))
		}
	}()

	if err := j.Consume(ctx); err != nil {
		return err
	}
	if j.canceled() {
		return errCanceled
	}
	if _, err := j.GenerateReport(); err != nil {
		return err
	}
	return nil
}

// Consume reads the topic into the index until the last message known at
// start is seen, the stream stays quiet for the receive timeout, or the job
// is canceled.
func (j *Job) Consume(ctx context.Context) error {
	if j.index == nil {
		return seqindex.ErrClosed
	}
	topic := j.dir.Topic
	consumer, err := j.backend.Consumer(ctx, topic)
	if err != nil {
		return fmt.Errorf("open consumer on %s: %w", topic, err)
	}
	defer consumer.Close()

	last, haveLast, err := j.backend.Last(ctx, topic)
	if err != nil {
		return fmt.Errorf("last message of %s: %w", topic, err)
	}
	if haveLast {
		j.update(func(s *Summary) { s.LastPosition = last.Position })
	}

	var current domain.Message
	seen := false
	for !j.canceled() {
		m, err := consumer.Receive(ctx, j.cfg.ReceiveTimeout)
		if err != nil {
			if j.canceled() && errors.Is(err, context.Canceled) {
				break
			}
			return fmt.Errorf("receive from %s: %w", topic, err)
		}
		if m == nil {
			j.log.Debug("receive timed out, treating as end of topic")
			break
		}
		if err := j.index.WriteSequence(m.ID, m.Position); err != nil {
			return fmt.Errorf("index %s: %w", m.Position, err)
		}
		j.metrics.IndexEntries.Inc()
		j.metrics.CheckedMessages.Inc()
		first := !seen
		current, seen = *m, true
		j.update(func(s *Summary) {
			if first {
				s.FirstPosition = m.Position
			}
			s.CurrentPosition = m.Position
			s.Count++
		})
		if haveLast && m.Same(last) {
			break
		}
	}
	if !haveLast && seen {
		j.update(func(s *Summary) { s.LastPosition = current.Position })
	}
	if err := j.index.Commit(); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

// GenerateReport scans the index once in store order and writes one record
// per duplicated position. Keys of one position are contiguous, so a
// previous/current window is enough to find every group.
func (j *Job) GenerateReport() (string, error) {
	if j.index == nil {
		return "", seqindex.ErrClosed
	}
	name := report.NewFileName()
	w, err := report.Create(j.dir.NewReportPath(name), j.cfg.ReportFlushEvery)
	if err != nil {
		return "", err
	}

	var (
		prev     seqindex.Key
		havePrev bool
		pending  []string
	)
	duplicates := map[string][]string{}
	emit := func(position string) error {
		ids := pending
		pending = nil
		duplicates[position] = ids
		j.metrics.DuplicatePositions.Inc()
		return w.Write(map[string][]string{position: ids})
	}
	scanErr := j.index.ReadSequence(func(k seqindex.Key) error {
		if j.canceled() {
			return errCanceled
		}
		if havePrev && prev.Position == k.Position {
			if len(pending) == 0 {
				pending = append(pending, prev.ID.String())
			}
			pending = append(pending, k.ID.String())
		} else if len(pending) > 0 {
			if err := emit(prev.Position); err != nil {
				return err
			}
		}
		prev, havePrev = k, true
		return nil
	})
	if scanErr == nil && len(pending) > 0 {
		scanErr = emit(prev.Position)
	}
	if err := errors.Join(scanErr, w.Close()); err != nil {
		return "", fmt.Errorf("duplicate report: %w", err)
	}

	j.update(func(s *Summary) {
		s.Reports = append(s.Reports, name)
		s.Duplicates = duplicates
		s.DuplicatePositions = len(duplicates)
	})
	j.log.Info("duplicate report written", zap.String("report", filepath.Base(w.Path())), zap.Int("duplicate_positions", len(duplicates)))
	return w.Path(), nil
}

// GenerateSummary persists the current summary.
func (j *Job) GenerateSummary() error {
	return SaveSummary(j.dir, j.Snapshot())
}
