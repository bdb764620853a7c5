package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamaudit/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// blockingTask runs until released or canceled.
type blockingTask struct {
	started  chan struct{}
	release  chan struct{}
	canceled atomic.Bool
	once     sync.Once
	result   error
}

func newBlockingTask() *blockingTask {
	return &blockingTask{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingTask) Run(ctx context.Context) error {
	close(b.started)
	select {
	case <-b.release:
		return b.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingTask) Cancel() { b.canceled.Store(true) }

func (b *blockingTask) Release() { b.once.Do(func() { close(b.release) }) }

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	m := NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func waitDone(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job did not finish")
	return err
}

func TestConcurrentSubmitsForOneKeyStartOneJob(t *testing.T) {
	m := newTestManager(t, Options{Kind: "integrity", LockTimeout: 2 * time.Second})
	var accepted atomic.Int32
	var conflicts atomic.Int32
	tasks := make(chan *blockingTask, 32)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := newBlockingTask()
			h, err := m.Submit(context.Background(), "orders", task)
			switch {
			case err == nil:
				accepted.Add(1)
				tasks <- task
				assert.Equal(t, "orders", h.Key)
			case errors.Is(err, ErrAlreadyRunning):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(tasks)

	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, 31, conflicts.Load())
	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	for task := range tasks {
		task.Release()
	}
}

func TestSubmitTimesOutOnHeldLock(t *testing.T) {
	m := newTestManager(t, Options{LockTimeout: 20 * time.Millisecond})
	require.NoError(t, m.lock.Acquire(context.Background(), 1))

	started := time.Now()
	_, err := m.Submit(context.Background(), "k", TaskFunc(func(context.Context) error { return nil }))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(started), time.Second)

	_, err = m.List(context.Background())
	assert.ErrorIs(t, err, ErrLockTimeout)
	m.release()

	list, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list, "a timed out submit must not register anything")
}

func TestCancelSignalsTaskAndFreesKey(t *testing.T) {
	reg := metrics.Noop()
	m := newTestManager(t, Options{Kind: "recovery", Metrics: reg})
	task := newBlockingTask()
	h, err := m.Submit(context.Background(), "orders", task)
	require.NoError(t, err)
	<-task.started

	require.NoError(t, m.Cancel(context.Background(), h.ID))
	assert.ErrorIs(t, waitDone(t, h), context.Canceled)
	assert.True(t, task.canceled.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.JobsFinished.WithLabelValues("recovery", "canceled")))

	assert.ErrorIs(t, m.Cancel(context.Background(), h.ID), ErrNotFound)
	_, err = m.CancelKey(context.Background(), "orders")
	assert.ErrorIs(t, err, ErrNotFound)

	next := newBlockingTask()
	h2, err := m.Submit(context.Background(), "orders", next)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, h2.ID)
	next.Release()
	require.NoError(t, waitDone(t, h2))
}

func TestCompletedJobRemovesItself(t *testing.T) {
	reg := metrics.Noop()
	m := newTestManager(t, Options{Kind: "integrity", Metrics: reg})
	boom := errors.New("boom")
	h, err := m.Submit(context.Background(), "t", TaskFunc(func(context.Context) error { return boom }))
	require.NoError(t, err)
	assert.ErrorIs(t, waitDone(t, h), boom)
	assert.ErrorIs(t, h.Err(), boom)

	_, err = m.Lookup(context.Background(), "t")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.JobsActive.WithLabelValues("integrity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.JobsFinished.WithLabelValues("integrity", "failed")))
}

func TestRemoveKeepsKeyOfRunningJob(t *testing.T) {
	m := newTestManager(t, Options{})
	task := newBlockingTask()
	h, err := m.Submit(context.Background(), "orders", task)
	require.NoError(t, err)
	<-task.started

	assert.ErrorIs(t, m.Remove(context.Background(), h.ID), ErrStillRunning)
	_, err = m.Submit(context.Background(), "orders", newBlockingTask())
	assert.ErrorIs(t, err, ErrAlreadyRunning, "a second body must not start while the first runs")

	task.Release()
	require.NoError(t, waitDone(t, h))
	assert.ErrorIs(t, m.Remove(context.Background(), h.ID), ErrNotFound)
}

func TestRemoveFreesKeyOfCanceledJob(t *testing.T) {
	m := newTestManager(t, Options{})
	// The body ignores cancellation until released.
	release := make(chan struct{})
	started := make(chan struct{})
	h, err := m.Submit(context.Background(), "k", TaskFunc(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Cancel(context.Background(), h.ID))
	require.NoError(t, m.Remove(context.Background(), h.ID))
	assert.ErrorIs(t, m.Remove(context.Background(), h.ID), ErrNotFound)
	select {
	case <-h.Done():
		t.Fatal("remove must not wait for the job")
	default:
	}
	close(release)
	require.NoError(t, waitDone(t, h))
}

func TestListAndCancelAll(t *testing.T) {
	m := newTestManager(t, Options{Kind: "integrity"})
	var handles []*Handle
	for _, key := range []string{"a", "b", "c"} {
		h, err := m.Submit(context.Background(), key, newBlockingTask())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	list, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	keys := map[string]bool{}
	for _, d := range list {
		keys[d.Key] = true
		assert.Equal(t, "integrity", d.Kind)
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, keys)

	require.NoError(t, m.CancelAll(context.Background()))
	for _, h := range handles {
		assert.ErrorIs(t, waitDone(t, h), context.Canceled)
	}
	list, err = m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHookPhasesAroundLock(t *testing.T) {
	var mu sync.Mutex
	var phases []Phase
	hook := func(e Event) {
		mu.Lock()
		phases = append(phases, e.Phase)
		mu.Unlock()
	}
	m := newTestManager(t, Options{Hook: hook})
	task := newBlockingTask()
	h, err := m.Submit(context.Background(), "k", task)
	require.NoError(t, err)
	task.Release()
	require.NoError(t, waitDone(t, h))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{
		PhaseStartLock, PhaseStartLocked, PhaseStartUnlock,
		PhaseFinishLock, PhaseFinishLocked, PhaseFinishUnlock,
	}, phases)
}

func TestPoolBoundsConcurrentBodies(t *testing.T) {
	m := newTestManager(t, Options{MaxConcurrent: 1})
	first, second := newBlockingTask(), newBlockingTask()
	h1, err := m.Submit(context.Background(), "one", first)
	require.NoError(t, err)
	<-first.started
	h2, err := m.Submit(context.Background(), "two", second)
	require.NoError(t, err)

	select {
	case <-second.started:
		t.Fatal("second body started while the pool was full")
	case <-time.After(50 * time.Millisecond):
	}
	first.Release()
	require.NoError(t, waitDone(t, h1))
	select {
	case <-second.started:
	case <-time.After(2 * time.Second):
		t.Fatal("second body never started")
	}
	second.Release()
	require.NoError(t, waitDone(t, h2))
}

func TestCloseCancelsAndRejects(t *testing.T) {
	m := NewManager(Options{Logger: zaptest.NewLogger(t)})
	task := newBlockingTask()
	h, err := m.Submit(context.Background(), "k", task)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
	assert.ErrorIs(t, h.Err(), context.Canceled)

	_, err = m.Submit(context.Background(), "k", newBlockingTask())
	assert.ErrorIs(t, err, ErrClosed)
}
