// Package jobs keeps the registry of running jobs. A manager runs at most one
// job per key and bounds how many job bodies execute at once.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"streamaudit/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrAlreadyRunning = errors.New("jobs: a job is already running for this key")
	ErrLockTimeout    = errors.New("jobs: registry lock not acquired in time")
	ErrNotFound       = errors.New("jobs: no running job")
	ErrClosed         = errors.New("jobs: manager closed")
	ErrStillRunning   = errors.New("jobs: job is running and not canceled")
)

// Task is a job body. Run must return once ctx is done or Cancel is called;
// cancellation is cooperative.
type Task interface {
	Run(ctx context.Context) error
	Cancel()
}

// TaskFunc adapts a function that only observes ctx.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }
func (TaskFunc) Cancel()                         {}

type Phase string

// Phases fire around the registry lock. "lock" precedes the acquire,
// "locked" follows it and "unlock" precedes the release.
const (
	PhaseStartLock    Phase = "start.lock"
	PhaseStartLocked  Phase = "start.locked"
	PhaseStartUnlock  Phase = "start.unlock"
	PhaseFinishLock   Phase = "finish.lock"
	PhaseFinishLocked Phase = "finish.locked"
	PhaseFinishUnlock Phase = "finish.unlock"
)

type Event struct {
	Phase Phase
	Key   string
	JobID string
}

type Hook func(Event)

type Options struct {
	// Kind labels the jobs of this manager in logs and metrics.
	Kind          string
	LockTimeout   time.Duration
	MaxConcurrent int64
	Hook          Hook
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Handle is a registered job and its asynchronous result.
type Handle struct {
	ID        string
	Key       string
	Kind      string
	StartedAt time.Time

	task     Task
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	canceled bool
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the job's result once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) Task() Task { return h.task }

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Descriptor is the listing view of a handle.
type Descriptor struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"startedAt"`
}

type Manager struct {
	opts Options
	log  *zap.Logger
	m    *metrics.Metrics

	lock *semaphore.Weighted
	pool *semaphore.Weighted

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	byKey  map[string]*Handle
	byID   map[string]*Handle
}

func NewManager(opts Options) *Manager {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Kind == "" {
		opts.Kind = "job"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		opts:  opts,
		log:   opts.Logger.With(zap.String("kind", opts.Kind)),
		m:     opts.Metrics,
		lock:  semaphore.NewWeighted(1),
		pool:  semaphore.NewWeighted(opts.MaxConcurrent),
		base:  base,
		stop:  stop,
		byKey: map[string]*Handle{},
		byID:  map[string]*Handle{},
	}
}

func (m *Manager) fire(phase Phase, key, id string) {
	if m.opts.Hook != nil {
		m.opts.Hook(Event{Phase: phase, Key: key, JobID: id})
	}
}

// acquire takes the registry lock, giving up after the lock timeout.
func (m *Manager) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.LockTimeout)
	defer cancel()
	if err := m.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w after %s", ErrLockTimeout, m.opts.LockTimeout)
	}
	return nil
}

func (m *Manager) release() { m.lock.Release(1) }

// Submit registers task under key and starts it asynchronously. It returns
// ErrAlreadyRunning without starting anything when key is taken.
func (m *Manager) Submit(ctx context.Context, key string, task Task) (*Handle, error) {
	m.fire(PhaseStartLock, key, "")
	if err := m.acquire(ctx); err != nil {
		m.m.JobsSubmitted.WithLabelValues(m.opts.Kind, "error").Inc()
		return nil, err
	}
	m.fire(PhaseStartLocked, key, "")

	h, err := m.registerLocked(key, task)
	id := ""
	if h != nil {
		id = h.ID
	}
	m.fire(PhaseStartUnlock, key, id)
	m.release()

	switch {
	case errors.Is(err, ErrAlreadyRunning):
		m.m.JobsSubmitted.WithLabelValues(m.opts.Kind, "conflict").Inc()
	case err != nil:
		m.m.JobsSubmitted.WithLabelValues(m.opts.Kind, "error").Inc()
	default:
		m.m.JobsSubmitted.WithLabelValues(m.opts.Kind, "accepted").Inc()
	}
	return h, err
}

func (m *Manager) registerLocked(key string, task Task) (*Handle, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.byKey[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	ctx, cancel := context.WithCancel(m.base)
	h := &Handle{
		ID:        uuid.NewString(),
		Key:       key,
		Kind:      m.opts.Kind,
		StartedAt: time.Now().UTC(),
		task:      task,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.byKey[key] = h
	m.byID[h.ID] = h
	m.m.JobsActive.WithLabelValues(m.opts.Kind).Inc()
	m.wg.Add(1)
	go m.run(ctx, h)
	return h, nil
}

func (m *Manager) run(ctx context.Context, h *Handle) {
	defer m.wg.Done()
	log := m.log.With(zap.String("job_id", h.ID), zap.String("key", h.Key))

	var err error
	if err = m.pool.Acquire(ctx, 1); err == nil {
		err = h.task.Run(ctx)
		m.pool.Release(1)
	}

	m.fire(PhaseFinishLock, h.Key, h.ID)
	// Finishing must not give up: a stale entry would block the key forever.
	_ = m.lock.Acquire(context.Background(), 1)
	m.fire(PhaseFinishLocked, h.Key, h.ID)
	m.removeLocked(h)
	canceled := h.canceled
	m.fire(PhaseFinishUnlock, h.Key, h.ID)
	m.release()
	h.cancel()

	outcome := "ok"
	switch {
	case canceled:
		outcome = "canceled"
		log.Info("job canceled", zap.Error(err))
	case err != nil:
		outcome = "failed"
		log.Error("job failed", zap.Error(err))
	default:
		log.Info("job finished")
	}
	m.m.JobsFinished.WithLabelValues(m.opts.Kind, outcome).Inc()
	h.err = err
	close(h.done)
}

func (m *Manager) removeLocked(h *Handle) bool {
	cur, ok := m.byID[h.ID]
	if !ok || cur != h {
		return false
	}
	delete(m.byID, h.ID)
	if m.byKey[h.Key] == h {
		delete(m.byKey, h.Key)
	}
	m.m.JobsActive.WithLabelValues(m.opts.Kind).Dec()
	return true
}

// Remove drops a completed or canceled job from the registry, freeing its
// key. A job that is still running and was never canceled keeps its key and
// Remove returns ErrStillRunning.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	h, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !h.canceled && !h.finished() {
		return fmt.Errorf("%w: %s", ErrStillRunning, h.Key)
	}
	m.removeLocked(h)
	return nil
}

func (m *Manager) cancelLocked(h *Handle) {
	h.canceled = true
	h.task.Cancel()
	h.cancel()
}

// Cancel signals the job with the given id. It does not wait for the job.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	h, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.cancelLocked(h)
	return nil
}

// CancelKey signals the job registered under key and returns its handle.
func (m *Manager) CancelKey(ctx context.Context, key string) (*Handle, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()
	h, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	m.cancelLocked(h)
	return h, nil
}

// CancelAll signals every registered job.
func (m *Manager) CancelAll(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	for _, h := range m.byID {
		m.cancelLocked(h)
	}
	return nil
}

// Lookup returns the job registered under key.
func (m *Manager) Lookup(ctx context.Context, key string) (*Handle, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()
	h, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// List returns the registered jobs ordered by start time.
func (m *Manager) List(ctx context.Context) ([]Descriptor, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(m.byID))
	for _, h := range m.byID {
		out = append(out, Descriptor{ID: h.ID, Key: h.Key, Kind: h.Kind, StartedAt: h.StartedAt})
	}
	m.release()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// Close rejects new submissions, cancels every job and waits for them to
// return or for ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	m.closed = true
	for _, h := range m.byID {
		m.cancelLocked(h)
	}
	m.release()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
