package integrity

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"testing"
	"time"

	"streamaudit/internal/domain"
	"streamaudit/internal/report"
	"streamaudit/internal/stream"
	"streamaudit/internal/stream/memory"
	"streamaudit/internal/workdir"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fixedLast answers Last with a chosen message, or with "empty" when ok is
// false, so tests control where consumption should stop.
type fixedLast struct {
	stream.Backend
	msg domain.Message
	ok  bool
}

func (f fixedLast) Last(context.Context, string) (domain.Message, bool, error) {
	return f.msg, f.ok, nil
}

func testDir(t *testing.T, topic string) workdir.Dir {
	t.Helper()
	d, err := workdir.New(t.TempDir()).Topic(topic)
	require.NoError(t, err)
	return d
}

func newTestJob(t *testing.T, dir workdir.Dir, b stream.Backend) *Job {
	t.Helper()
	return NewJob(dir, b, Config{ReceiveTimeout: 50 * time.Millisecond, IndexBatchSize: 7, ReportFlushEvery: 2}, zaptest.NewLogger(t), nil)
}

func appendPositions(t *testing.T, b *memory.Backend, topic string, positions ...string) {
	t.Helper()
	for _, p := range positions {
		require.NoError(t, b.Append(topic, domain.Message{Position: p, Payload: []byte("payload-" + p)}))
	}
}

func readReport(t *testing.T, path string) map[string][]string {
	t.Helper()
	var records []map[string][]string
	require.NoError(t, report.ReadJSON(path, &records))
	out := map[string][]string{}
	for _, rec := range records {
		require.Len(t, rec, 1)
		for pos, ids := range rec {
			out[pos] = ids
		}
	}
	return out
}

func TestReportFindsExactlyTheInjectedDuplicates(t *testing.T) {
	ctx := context.Background()
	b := memory.NewBackend(nil)
	for i := 1; i <= 50; i++ {
		appendPositions(t, b, "orders", strconv.Itoa(i))
	}
	appendPositions(t, b, "orders", "3", "17", "42", "17")

	want := map[string][]string{}
	for _, m := range b.Messages("orders") {
		switch m.Position {
		case "3", "17", "42":
			want[m.Position] = append(want[m.Position], m.ID.String())
		}
	}

	dir := testDir(t, "orders")
	job := newTestJob(t, dir, b)
	require.NoError(t, job.Run(ctx))

	snap := job.Snapshot()
	assert.Equal(t, StatusClosed, snap.Status)
	assert.EqualValues(t, 54, snap.Count)
	assert.Equal(t, "1", snap.FirstPosition)
	assert.Equal(t, "17", snap.LastPosition)
	assert.Equal(t, 3, snap.DuplicatePositions)
	assert.Equal(t, want, snap.Duplicates)
	require.Len(t, snap.Reports, 1)
	assert.Equal(t, want, readReport(t, dir.NewReportPath(snap.Reports[0])))
}

func TestReportIsEmptyWithoutDuplicates(t *testing.T) {
	b := memory.NewBackend(nil)
	appendPositions(t, b, "t", "a", "b", "c")
	dir := testDir(t, "t")
	job := newTestJob(t, dir, b)
	require.NoError(t, job.Run(context.Background()))

	snap := job.Snapshot()
	assert.Zero(t, snap.DuplicatePositions)
	assert.Empty(t, readReport(t, dir.NewReportPath(snap.Reports[0])))
}

func TestConsumeStopsAtLastKnownMessage(t *testing.T) {
	b := memory.NewBackend(nil)
	appendPositions(t, b, "t", "1", "2", "3", "4", "5", "6", "7")
	msgs := b.Messages("t")

	dir := testDir(t, "t")
	job := newTestJob(t, dir, fixedLast{Backend: b, msg: msgs[4], ok: true})
	require.NoError(t, job.Run(context.Background()))

	snap := job.Snapshot()
	assert.EqualValues(t, 5, snap.Count)
	assert.Equal(t, "5", snap.LastPosition)
	assert.Equal(t, "5", snap.CurrentPosition)
}

func TestOpenEndedTopicTakesObservedLastPosition(t *testing.T) {
	b := memory.NewBackend(nil)
	appendPositions(t, b, "t", "x", "y")
	job := newTestJob(t, testDir(t, "t"), fixedLast{Backend: b})
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, "y", job.Snapshot().LastPosition)
}

func TestCancelStopsConsumeWithPartialSummary(t *testing.T) {
	b := memory.NewBackend(nil)
	appendPositions(t, b, "t", "1", "2", "3")
	dir := testDir(t, "t")
	job := NewJob(dir, fixedLast{Backend: b}, Config{ReceiveTimeout: 10 * time.Second}, zaptest.NewLogger(t), nil)

	done := make(chan error, 1)
	go func() { done <- job.Run(context.Background()) }()
	require.Eventually(t, func() bool { return job.Snapshot().Count == 3 }, 2*time.Second, 5*time.Millisecond)

	job.Cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("check did not stop after cancel")
	}

	snap := job.Snapshot()
	assert.Equal(t, StatusClosed, snap.Status)
	assert.True(t, snap.Canceled)
	assert.EqualValues(t, 3, snap.Count)
	assert.Empty(t, snap.Reports, "a canceled check writes no duplicate report")

	persisted, err := LoadSummary(dir)
	require.NoError(t, err)
	assert.True(t, persisted.Canceled)
	assert.EqualValues(t, 3, persisted.Count)
}

func TestUnknownTopicFailsAndPersistsError(t *testing.T) {
	dir := testDir(t, "missing")
	job := newTestJob(t, dir, memory.NewBackend(nil))
	err := job.Run(context.Background())
	require.ErrorIs(t, err, stream.ErrUnknownTopic)

	persisted, err := LoadSummary(dir)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, persisted.Status)
	assert.NotEmpty(t, persisted.Error)
}

func TestSummaryPersistsAndFullReportMerges(t *testing.T) {
	b := memory.NewBackend(nil)
	appendPositions(t, b, "t", "a", "b", "a", "c", "b")
	dir := testDir(t, "t")

	_, err := LoadSummary(dir)
	require.ErrorIs(t, err, ErrNoSummary)

	job := newTestJob(t, dir, b)
	require.NoError(t, job.Run(context.Background()))

	persisted, err := LoadSummary(dir)
	require.NoError(t, err)
	snap := job.Snapshot()
	assert.Equal(t, snap.Count, persisted.Count)
	assert.Equal(t, snap.Reports, persisted.Reports)
	assert.Equal(t, 2, persisted.DuplicatePositions)
	assert.Nil(t, persisted.Duplicates)

	path, err := FullReport(dir)
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var full struct {
		Summary    Summary               `json:"summary"`
		Duplicates []map[string][]string `json:"duplicates"`
	}
	require.NoError(t, json.Unmarshal(raw, &full))
	assert.Equal(t, "t", full.Summary.Topic)
	assert.EqualValues(t, 5, full.Summary.Count)
	require.Len(t, full.Duplicates, 2)
	assert.Len(t, full.Duplicates[0]["a"], 2)
	assert.Len(t, full.Duplicates[1]["b"], 2)

	again, err := FullReport(dir)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}
