package pebblestore

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type testMetrics struct {
	read         int
	batchCommits int
	batchBytes   int
	batchOps     int
}

func (m *testMetrics) ObserveRead(_ time.Duration, bytes int) { m.read += bytes }
func (m *testMetrics) ObserveBatchCommit(_ time.Duration, numOps int, bytes int) {
	m.batchCommits++
	m.batchBytes += bytes
	m.batchOps += numOps
}

func newTestDB(t *testing.T, mode FsyncMode) (*DB, *testMetrics) {
	t.Helper()
	metrics := &testMetrics{}
	db, err := Open(Options{DataDir: t.TempDir(), Fsync: mode, Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, metrics
}

func TestBatchRoundTrip(t *testing.T) {
	for _, mode := range []FsyncMode{FsyncModeUnspecified, FsyncModeAlways, FsyncModeInterval, FsyncModeNever} {
		db, metrics := newTestDB(t, mode)

		b := db.NewBatch()
		require.NoError(t, b.Set([]byte("k1"), []byte("v1"), nil))
		require.NoError(t, db.CommitBatch(context.Background(), b))
		require.NoError(t, b.Close())

		got, err := db.Get([]byte("k1"))
		require.NoError(t, err)
		require.Equal(t, "v1", string(got))
		require.Equal(t, 2, metrics.read)

		b = db.NewBatch()
		require.NoError(t, b.Delete([]byte("k1"), nil))
		require.NoError(t, db.CommitBatch(context.Background(), b))
		require.NoError(t, b.Close())

		_, err = db.Get([]byte("k1"))
		require.True(t, IsNotFound(err), "mode %d: %v", mode, err)
	}
}

func TestCommitMetricsCountOps(t *testing.T) {
	db, metrics := newTestDB(t, FsyncModeInterval)

	b := db.NewBatch()
	defer b.Close()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Set([]byte(k), []byte("v"), nil))
	}
	require.NoError(t, db.CommitBatch(context.Background(), b))

	require.Equal(t, 1, metrics.batchCommits)
	require.Equal(t, 3, metrics.batchOps)
	require.Positive(t, metrics.batchBytes)
}

func TestCommitNilBatch(t *testing.T) {
	db, metrics := newTestDB(t, FsyncModeNever)
	require.Error(t, db.CommitBatch(context.Background(), nil))
	require.Zero(t, metrics.batchCommits)
}

func TestOpenRequiresDataDir(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
}

func TestCompactRangeKeepsLiveKeys(t *testing.T) {
	db, _ := newTestDB(t, FsyncModeNever)

	b := db.NewBatch()
	require.NoError(t, b.Set([]byte("q/1"), []byte("x"), nil))
	require.NoError(t, b.Set([]byte("q/2"), []byte("y"), nil))
	require.NoError(t, b.Delete([]byte("q/1"), nil))
	require.NoError(t, db.CommitBatch(context.Background(), b))
	require.NoError(t, b.Close())

	require.NoError(t, db.CompactRange([]byte("q/"), []byte("q0")))

	_, err := db.Get([]byte("q/1"))
	require.True(t, IsNotFound(err))
	got, err := db.Get([]byte("q/2"))
	require.NoError(t, err)
	require.Equal(t, "y", string(got))
}

func TestParseFsyncMode(t *testing.T) {
	cases := map[string]FsyncMode{
		"":         FsyncModeUnspecified,
		"always":   FsyncModeAlways,
		"Interval": FsyncModeInterval,
		" never ":  FsyncModeNever,
	}
	for in, want := range cases {
		got, err := ParseFsyncMode(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseFsyncMode("sometimes")
	require.Error(t, err)
}

func TestPrometheusMetricsHook(t *testing.T) {
	hook := NewPrometheusMetrics("test-hook")
	db, err := Open(Options{DataDir: t.TempDir(), Fsync: FsyncModeNever, Metrics: hook})
	require.NoError(t, err)
	defer db.Close()

	b := db.NewBatch()
	require.NoError(t, b.Set([]byte("k"), []byte("v"), nil))
	require.NoError(t, db.CommitBatch(context.Background(), b))
	require.NoError(t, b.Close())
	_, err = db.Get([]byte("k"))
	require.NoError(t, err)

	// read and commit series for this store
	require.GreaterOrEqual(t, testutil.CollectAndCount(hook.latency), 2)
}
