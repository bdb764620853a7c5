package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTopic(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`} {
		assert.ErrorIs(t, ValidateTopic(bad), ErrInvalidTopic, bad)
	}
	for _, good := range []string{"orders", "orders.v2", "events-eu_1"} {
		assert.NoError(t, ValidateTopic(good), good)
	}
}

func TestLayoutPaths(t *testing.T) {
	l := New("/data")
	d, err := l.Topic("orders")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "orders", "sequence.db"), d.IndexPath())
	assert.Equal(t, filepath.Join("/data", "orders", "report", "summary.json"), d.SummaryPath())
	assert.Equal(t, filepath.Join("/data", "orders", "report", "tail-report.json"), d.TailPath())
	_, err = l.Topic("../etc")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestIndexedAndSummarizedTopics(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	touch(t, filepath.Join(root, "b", IndexFile))
	touch(t, filepath.Join(root, "a", IndexFile))
	touch(t, filepath.Join(root, "a", ReportDir, SummaryFile))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	indexed, err := l.IndexedTopics()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, indexed)

	summarized, err := l.SummarizedTopics()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, summarized)

	missing, err := New(filepath.Join(root, "nope")).IndexedTopics()
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestPurgeCheckKeepsRecoveryArtifacts(t *testing.T) {
	d := Dir{Topic: "t", Path: t.TempDir()}
	touch(t, d.IndexPath())
	touch(t, d.SummaryPath())
	touch(t, d.NewReportPath("dup.json"))
	touch(t, d.TailPath())
	touch(t, d.RecoveryPath())

	require.NoError(t, d.PurgeCheck())
	assert.NoFileExists(t, d.IndexPath())
	assert.NoFileExists(t, d.SummaryPath())
	assert.NoFileExists(t, d.NewReportPath("dup.json"))
	assert.FileExists(t, d.TailPath())
	assert.FileExists(t, d.RecoveryPath())
	require.NoError(t, d.PurgeCheck())
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
}
