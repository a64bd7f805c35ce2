package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
)

// groupCommitWindow is how long pebble may hold WAL syncs to coalesce them
// in FsyncModeInterval.
const groupCommitWindow = 5 * time.Millisecond

// FsyncMode selects when committed batches reach disk.
type FsyncMode int

const (
	// FsyncModeUnspecified behaves like FsyncModeInterval.
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every commit.
	FsyncModeAlways
	// FsyncModeInterval coalesces WAL syncs within groupCommitWindow.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to pebble.
	FsyncModeNever
)

// ParseFsyncMode maps "always", "interval" and "never" to a FsyncMode. The
// empty string yields FsyncModeUnspecified.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return FsyncModeUnspecified, nil
	case "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return FsyncModeUnspecified, fmt.Errorf("pebble: unknown fsync mode %q", s)
	}
}

type Options struct {
	DataDir string
	Fsync   FsyncMode
	// Metrics is optional.
	Metrics MetricsHook
}

// MetricsHook receives one observation per read and per committed batch.
type MetricsHook interface {
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRead(time.Duration, int)             {}
func (nopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// DB is the store behind the work queues. Writes go through batches only.
type DB struct {
	inner   *pebble.DB
	sync    pebble.WriteOptions
	metrics MetricsHook
}

func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: data dir is required")
	}
	po := &pebble.Options{}
	if opts.Fsync != FsyncModeAlways && opts.Fsync != FsyncModeNever {
		po.WALMinSyncInterval = func() time.Duration { return groupCommitWindow }
	}
	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", opts.DataDir, err)
	}
	db := &DB{inner: inner, sync: *pebble.NoSync, metrics: opts.Metrics}
	if opts.Fsync == FsyncModeAlways {
		db.sync = *pebble.Sync
	}
	if db.metrics == nil {
		db.metrics = nopMetrics{}
	}
	return db, nil
}

func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

func (db *DB) NewBatch() *pebble.Batch { return db.inner.NewBatch() }

// CommitBatch commits b under the fsync mode the DB was opened with.
func (db *DB) CommitBatch(_ context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	start := time.Now()
	size, ops := b.Len(), int(b.Count())
	err := b.Commit(&db.sync)
	db.metrics.ObserveBatchCommit(time.Since(start), ops, size)
	return err
}

// Get returns a copy of the value stored under key. Use IsNotFound to tell a
// missing key from a failure.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(out))
	return out, nil
}

func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}

// CompactRange compacts [start, end), e.g. after a large batch of deletes.
func (db *DB) CompactRange(start, end []byte) error {
	return db.inner.Compact(start, end, true)
}

func IsNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}
