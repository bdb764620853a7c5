// Package service is the application layer shared by the HTTP controller and
// the CLI: it validates requests, guards jobs through the job managers and
// answers status queries from live jobs or persisted state.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"streamaudit/internal/integrity"
	"streamaudit/internal/jobs"
	"streamaudit/internal/metrics"
	"streamaudit/internal/recovery"
	"streamaudit/internal/stream"
	"streamaudit/internal/workdir"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSameTopic    = errors.New("service: source and target topic are the same")
	ErrCheckRunning = errors.New("service: integrity check still running")
)

const (
	KindIntegrity = "integrity"
	KindRecovery  = "recovery"
)

type Options struct {
	Layout        workdir.Layout
	Backend       stream.Backend
	Integrity     integrity.Config
	Recovery      recovery.Config
	LockTimeout   time.Duration
	MaxConcurrent int64
	Hook          jobs.Hook
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Service struct {
	opts       Options
	log        *zap.Logger
	metrics    *metrics.Metrics
	checks     *jobs.Manager
	recoveries *jobs.Manager

	// startMu makes the cross-kind conflict check and the submit one step.
	startMu sync.Mutex
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	manager := func(kind string) *jobs.Manager {
		return jobs.NewManager(jobs.Options{
			Kind:          kind,
			LockTimeout:   opts.LockTimeout,
			MaxConcurrent: opts.MaxConcurrent,
			Hook:          opts.Hook,
			Logger:        opts.Logger.Named(kind),
			Metrics:       opts.Metrics,
		})
	}
	return &Service{
		opts:       opts,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		checks:     manager(KindIntegrity),
		recoveries: manager(KindRecovery),
	}
}

// checkTask purges the previous run's state before checking, so the purge
// happens only once the key is held.
type checkTask struct {
	dir workdir.Dir
	job *integrity.Job
}

func (t *checkTask) Run(ctx context.Context) error {
	if err := t.dir.PurgeCheck(); err != nil {
		return fmt.Errorf("purge stale state of %s: %w", t.dir.Topic, err)
	}
	return t.job.Run(ctx)
}

func (t *checkTask) Cancel() { t.job.Cancel() }

func (s *Service) requireTopic(ctx context.Context, topic string) error {
	ok, err := s.opts.Backend.TopicExists(ctx, topic)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", stream.ErrUnknownTopic, topic)
	}
	return nil
}

// StartCheck submits an integrity check of topic.
func (s *Service) StartCheck(ctx context.Context, topic string) (*jobs.Handle, error) {
	dir, err := s.opts.Layout.Topic(topic)
	if err != nil {
		return nil, err
	}
	if err := s.requireTopic(ctx, topic); err != nil {
		return nil, err
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if _, err := s.recoveries.Lookup(ctx, topic); err == nil {
		return nil, fmt.Errorf("%w: recovery of %s reads its index", jobs.ErrAlreadyRunning, topic)
	}
	job := integrity.NewJob(dir, s.opts.Backend, s.opts.Integrity, s.log.Named(KindIntegrity), s.metrics)
	return s.checks.Submit(ctx, topic, &checkTask{dir: dir, job: job})
}

type CheckStatus struct {
	Topic  string           `json:"topic"`
	Status integrity.Status `json:"status"`
}

// Checks lists running checks and every topic with a persisted summary.
func (s *Service) Checks(ctx context.Context) ([]CheckStatus, error) {
	running, err := s.checks.List(ctx)
	if err != nil {
		return nil, err
	}
	byTopic := map[string]integrity.Status{}
	topics, err := s.opts.Layout.SummarizedTopics()
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		dir, err := s.opts.Layout.Topic(topic)
		if err != nil {
			continue
		}
		sum, err := integrity.LoadSummary(dir)
		if err != nil {
			s.log.Warn("unreadable summary", zap.String("topic", topic), zap.Error(err))
			continue
		}
		byTopic[topic] = sum.Status
	}
	for _, d := range running {
		byTopic[d.Key] = integrity.StatusRunning
	}
	out := make([]CheckStatus, 0, len(byTopic))
	for topic, status := range byTopic {
		out = append(out, CheckStatus{Topic: topic, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

// Summary returns the live summary of a running check, or the persisted one.
func (s *Service) Summary(ctx context.Context, topic string) (integrity.Summary, error) {
	dir, err := s.opts.Layout.Topic(topic)
	if err != nil {
		return integrity.Summary{}, err
	}
	if h, err := s.checks.Lookup(ctx, topic); err == nil {
		if t, ok := h.Task().(*checkTask); ok {
			return t.job.Snapshot(), nil
		}
	} else if !errors.Is(err, jobs.ErrNotFound) {
		return integrity.Summary{}, err
	}
	sum, err := integrity.LoadSummary(dir)
	if errors.Is(err, integrity.ErrNoSummary) {
		if terr := s.requireTopic(ctx, topic); terr != nil {
			return integrity.Summary{}, terr
		}
	}
	return sum, err
}

// FullReport returns the path of the merged summary and duplicate report.
func (s *Service) FullReport(ctx context.Context, topic string) (string, error) {
	dir, err := s.opts.Layout.Topic(topic)
	if err != nil {
		return "", err
	}
	if _, err := s.checks.Lookup(ctx, topic); err == nil {
		return "", ErrCheckRunning
	}
	return integrity.FullReport(dir)
}

// CancelCheck signals the running check of topic.
func (s *Service) CancelCheck(ctx context.Context, topic string) error {
	if err := workdir.ValidateTopic(topic); err != nil {
		return err
	}
	_, err := s.checks.CancelKey(ctx, topic)
	return err
}

// StartRecovery submits a replay of topic into toTopic.
func (s *Service) StartRecovery(ctx context.Context, topic, toTopic string) (*jobs.Handle, error) {
	dir, err := s.opts.Layout.Topic(topic)
	if err != nil {
		return nil, err
	}
	if err := workdir.ValidateTopic(toTopic); err != nil {
		return nil, err
	}
	if topic == toTopic {
		return nil, ErrSameTopic
	}
	if _, err := os.Stat(dir.IndexPath()); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", recovery.ErrNoIndex, topic)
	}
	if err := s.requireTopic(ctx, topic); err != nil {
		return nil, err
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if _, err := s.checks.Lookup(ctx, topic); err == nil {
		return nil, fmt.Errorf("%w: integrity check of %s is rebuilding its index", jobs.ErrAlreadyRunning, topic)
	}
	w := recovery.NewWorker(dir, toTopic, s.opts.Backend, s.opts.Recovery, s.log.Named(KindRecovery), s.metrics)
	return s.recoveries.Submit(ctx, topic, w)
}

// RecoverableTopics lists topics with a sequence index.
func (s *Service) RecoverableTopics() ([]string, error) {
	return s.opts.Layout.IndexedTopics()
}

// Recovery returns the live monitor of a running recovery, or the persisted one.
func (s *Service) Recovery(ctx context.Context, topic string) (recovery.Monitor, error) {
	dir, err := s.opts.Layout.Topic(topic)
	if err != nil {
		return recovery.Monitor{}, err
	}
	if h, err := s.recoveries.Lookup(ctx, topic); err == nil {
		if w, ok := h.Task().(*recovery.Worker); ok {
			return w.Snapshot(), nil
		}
	} else if !errors.Is(err, jobs.ErrNotFound) {
		return recovery.Monitor{}, err
	}
	return recovery.LoadMonitor(dir)
}

func (s *Service) CancelRecovery(ctx context.Context, topic string) error {
	if err := workdir.ValidateTopic(topic); err != nil {
		return err
	}
	_, err := s.recoveries.CancelKey(ctx, topic)
	return err
}

// RunCheck runs a check in the foreground and returns its final summary.
func (s *Service) RunCheck(ctx context.Context, topic string) (integrity.Summary, error) {
	h, err := s.StartCheck(ctx, topic)
	if err != nil {
		return integrity.Summary{}, err
	}
	runErr := s.wait(ctx, s.checks, h)
	return h.Task().(*checkTask).job.Snapshot(), runErr
}

// RunRecovery runs a recovery in the foreground and returns its final monitor.
func (s *Service) RunRecovery(ctx context.Context, topic, toTopic string) (recovery.Monitor, error) {
	h, err := s.StartRecovery(ctx, topic, toTopic)
	if err != nil {
		return recovery.Monitor{}, err
	}
	runErr := s.wait(ctx, s.recoveries, h)
	return h.Task().(*recovery.Worker).Snapshot(), runErr
}

// wait cancels the job through its manager when ctx ends first and still
// waits for it to stop.
func (s *Service) wait(ctx context.Context, m *jobs.Manager, h *jobs.Handle) error {
	select {
	case <-h.Done():
	case <-ctx.Done():
		// ctx is already done; the registry lock needs its own deadline.
		if err := m.Cancel(context.Background(), h.ID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			s.log.Warn("cancel through manager failed, signaling task", zap.String("job_id", h.ID), zap.Error(err))
			h.Task().Cancel()
		}
		<-h.Done()
	}
	return h.Err()
}

// Close cancels every job of both managers and waits for them.
func (s *Service) Close(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.checks.Close(ctx) })
	g.Go(func() error { return s.recoveries.Close(ctx) })
	return g.Wait()
}
