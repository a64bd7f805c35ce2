package workqueue

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
)

// ErrNotFound is returned when a sequence does not name a stored message.
var ErrNotFound = errors.New("workqueue: message not found")

// ErrNotLeased is returned when a lease operation targets a message that is
// not currently leased.
var ErrNotLeased = errors.New("workqueue: message is not leased")

// WorkQueue is a single-consumer-group queue with priority, delay and
// lease-based delivery. Mutations are serialized by an in-process mutex;
// several WorkQueue values must not share one queue name in one database.
type WorkQueue struct {
	db        *pebblestore.DB
	namespace string
	queue     string

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// LeasedMessage is a dequeued message under a lease.
type LeasedMessage struct {
	Seq      uint64
	Priority uint32
	Header   []byte
	Payload  []byte
	ExpiryMs int64
}

// OpenQueue initializes a WorkQueue and restores lastSeq from metadata if present.
func OpenQueue(db *pebblestore.DB, namespace, queue string) (*WorkQueue, error) {
	q := &WorkQueue{db: db, namespace: namespace, queue: queue, notifyCh: make(chan struct{})}
	meta, err := db.Get(MetaKey(namespace, queue))
	switch {
	case err == nil && len(meta) >= 8:
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !pebblestore.IsNotFound(err):
		return nil, err
	}
	return q, nil
}

func nowOr(nowMs int64) int64 {
	if nowMs <= 0 {
		return time.Now().UnixMilli()
	}
	return nowMs
}

// notifyLocked wakes every WaitForEnqueue caller. q.mu must be held.
func (q *WorkQueue) notifyLocked() {
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
}

// WaitForEnqueue blocks until a message becomes available, the timeout
// elapses or ctx is done. It returns true if woken by an enqueue.
func (q *WorkQueue) WaitForEnqueue(ctx context.Context, timeout time.Duration) bool {
	q.mu.Lock()
	ch := q.notifyCh
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Enqueue inserts a message with priority and optional delay.
// If nowMs <= 0, time.Now().UnixMilli() is used.
func (q *WorkQueue) Enqueue(ctx context.Context, header, payload []byte, priority uint32, delayMs int64, nowMs int64) (uint64, error) {
	nowMs = nowOr(nowMs)

	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.db.NewBatch()
	defer b.Close()

	seq := q.lastSeq + 1
	if err := b.Set(MsgKey(q.namespace, q.queue, seq), EncodeMessage(priority, header, payload), nil); err != nil {
		return 0, err
	}
	if delayMs > 0 {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], priority)
		if err := b.Set(DelayKey(q.namespace, q.queue, uint64(nowMs+delayMs), seq), buf[:], nil); err != nil {
			return 0, err
		}
	} else if err := b.Set(PrioKey(q.namespace, q.queue, priority, seq), nil, nil); err != nil {
		return 0, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(MetaKey(q.namespace, q.queue), meta[:], nil); err != nil {
		return 0, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	q.lastSeq = seq
	if delayMs <= 0 {
		q.notifyLocked()
	}
	return seq, nil
}

// promoteDueLocked moves delayed messages that are due into the priority index.
func (q *WorkQueue) promoteDueLocked(ctx context.Context, nowMs int64) (int, error) {
	prefix := DelayPrefix(q.namespace, q.queue)
	lo, hi := keyRange(prefix)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	promoted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+16 {
			continue
		}
		fire := int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8]))
		if fire > nowMs {
			break
		}
		val := iter.Value()
		if len(val) < 4 {
			continue
		}
		if err := b.Delete(key, nil); err != nil {
			return 0, err
		}
		if err := b.Set(PrioKey(q.namespace, q.queue, binary.BigEndian.Uint32(val[0:4]), trailingSeq(key)), nil, nil); err != nil {
			return 0, err
		}
		promoted++
	}
	if promoted > 0 {
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return 0, err
		}
	}
	return promoted, iter.Error()
}

// Dequeue acquires up to count ready messages ordered by priority then
// sequence, leasing each for leaseMs. Due delayed messages are promoted first.
func (q *WorkQueue) Dequeue(ctx context.Context, count int, leaseMs int64, nowMs int64) ([]LeasedMessage, error) {
	nowMs = nowOr(nowMs)
	if count <= 0 {
		count = 1
	}
	if leaseMs <= 0 {
		leaseMs = 30_000
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.promoteDueLocked(ctx, nowMs); err != nil {
		return nil, err
	}

	prefix := PrioPrefix(q.namespace, q.queue)
	lo, hi := keyRange(prefix)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	msgs := make([]LeasedMessage, 0, count)
	dirty := false
	for ok := iter.First(); ok && len(msgs) < count; ok = iter.Next() {
		k := iter.Key()
		if len(k) != len(prefix)+12 {
			continue
		}
		seq := trailingSeq(k)
		val, errGet := q.db.Get(MsgKey(q.namespace, q.queue, seq))
		if errGet != nil && !pebblestore.IsNotFound(errGet) {
			return nil, errGet
		}
		dec, okDec := DecodeMessage(val)
		if errGet != nil || !okDec {
			// orphaned or corrupt index entry
			_ = b.Delete(k, nil)
			dirty = true
			continue
		}
		exp := nowMs + leaseMs
		if err := q.setLease(b, seq, exp, dec.Priority); err != nil {
			return nil, err
		}
		if err := b.Delete(k, nil); err != nil {
			return nil, err
		}
		dirty = true
		msgs = append(msgs, LeasedMessage{Seq: seq, Priority: dec.Priority, Header: dec.Header, Payload: dec.Payload, ExpiryMs: exp})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if dirty {
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// lease value: expiry_ms(8B BE) | priority(4B BE)
func (q *WorkQueue) setLease(b *pebble.Batch, seq uint64, exp int64, priority uint32) error {
	var lbuf [12]byte
	binary.BigEndian.PutUint64(lbuf[0:8], uint64(exp))
	binary.BigEndian.PutUint32(lbuf[8:12], priority)
	if err := b.Set(LeaseKey(q.namespace, q.queue, seq), lbuf[:], nil); err != nil {
		return err
	}
	return b.Set(LeaseIdxKey(q.namespace, q.queue, uint64(exp), seq), nil, nil)
}

type lease struct {
	expiryMs int64
	priority uint32
}

func (q *WorkQueue) getLease(seq uint64) (lease, error) {
	v, err := q.db.Get(LeaseKey(q.namespace, q.queue, seq))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return lease{}, ErrNotLeased
		}
		return lease{}, err
	}
	if len(v) < 12 {
		return lease{}, ErrNotLeased
	}
	return lease{
		expiryMs: int64(binary.BigEndian.Uint64(v[0:8])),
		priority: binary.BigEndian.Uint32(v[8:12]),
	}, nil
}

func (q *WorkQueue) deleteLease(b *pebble.Batch, seq uint64, l lease) error {
	if err := b.Delete(LeaseKey(q.namespace, q.queue, seq), nil); err != nil {
		return err
	}
	return b.Delete(LeaseIdxKey(q.namespace, q.queue, uint64(l.expiryMs), seq), nil)
}

// ExtendLease moves the lease of seq to expire leaseMs from now.
func (q *WorkQueue) ExtendLease(ctx context.Context, seq uint64, leaseMs int64, nowMs int64) error {
	nowMs = nowOr(nowMs)
	if leaseMs <= 0 {
		leaseMs = 30_000
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	l, err := q.getLease(seq)
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(LeaseIdxKey(q.namespace, q.queue, uint64(l.expiryMs), seq), nil); err != nil {
		return err
	}
	if err := q.setLease(b, seq, nowMs+leaseMs, l.priority); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// Complete deletes the message and any lease on it.
func (q *WorkQueue) Complete(ctx context.Context, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	val, err := q.db.Get(MsgKey(q.namespace, q.queue, seq))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := q.dropIndexes(b, seq, val); err != nil {
		return err
	}
	if err := b.Delete(MsgKey(q.namespace, q.queue, seq), nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// dropIndexes removes seq from the lease and priority indexes.
func (q *WorkQueue) dropIndexes(b *pebble.Batch, seq uint64, record []byte) error {
	l, err := q.getLease(seq)
	switch {
	case err == nil:
		return q.deleteLease(b, seq, l)
	case !errors.Is(err, ErrNotLeased):
		return err
	}
	if dec, ok := DecodeMessage(record); ok {
		return b.Delete(PrioKey(q.namespace, q.queue, dec.Priority, seq), nil)
	}
	return nil
}

// Bury moves the message out of circulation into the dead-letter keyspace,
// recording priority. Buried messages are never delivered again.
func (q *WorkQueue) Bury(ctx context.Context, seq uint64, priority uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	val, err := q.db.Get(MsgKey(q.namespace, q.queue, seq))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	buried, ok := withPriority(val, priority)
	if !ok {
		buried = val
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := q.dropIndexes(b, seq, val); err != nil {
		return err
	}
	if err := b.Set(DLQKey(q.namespace, q.queue, seq), buried, nil); err != nil {
		return err
	}
	if err := b.Delete(MsgKey(q.namespace, q.queue, seq), nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// ReclaimExpired returns messages whose lease expired at or before nowMs to
// the priority index at their original priority. At most max messages are
// reclaimed when max > 0.
func (q *WorkQueue) ReclaimExpired(ctx context.Context, nowMs int64, max int) (int, error) {
	nowMs = nowOr(nowMs)

	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := LeaseIdxPrefix(q.namespace, q.queue)
	lo, hi := keyRange(prefix)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) != len(prefix)+16 {
			continue
		}
		exp := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if exp > nowMs {
			break
		}
		seq := trailingSeq(k)
		l, err := q.getLease(seq)
		if err != nil && !errors.Is(err, ErrNotLeased) {
			return reclaimed, err
		}
		_ = b.Delete(k, nil)
		if err != nil {
			// index entry without a lease
			continue
		}
		_ = b.Delete(LeaseKey(q.namespace, q.queue, seq), nil)
		if err := b.Set(PrioKey(q.namespace, q.queue, l.priority, seq), nil, nil); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return reclaimed, err
	}
	if reclaimed > 0 {
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return 0, err
		}
		if reclaimed >= 4096 {
			_ = q.db.CompactRange(lo, hi)
		}
		q.notifyLocked()
	}
	return reclaimed, nil
}

// ReadyCount counts messages available for dequeue now, promoting due
// delayed messages first.
func (q *WorkQueue) ReadyCount(ctx context.Context, nowMs int64) (int, error) {
	nowMs = nowOr(nowMs)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.promoteDueLocked(ctx, nowMs); err != nil {
		return 0, err
	}
	return q.countPrefix(PrioPrefix(q.namespace, q.queue))
}

// BuriedCount counts messages in the dead-letter keyspace.
func (q *WorkQueue) BuriedCount() (int, error) {
	return q.countPrefix(DLQPrefix(q.namespace, q.queue))
}

func (q *WorkQueue) countPrefix(prefix []byte) (int, error) {
	lo, hi := keyRange(prefix)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Priority returns the stored priority of a live message.
func (q *WorkQueue) Priority(seq uint64) (uint32, error) {
	val, err := q.db.Get(MsgKey(q.namespace, q.queue, seq))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	dec, ok := DecodeMessage(val)
	if !ok {
		return 0, errors.New("workqueue: corrupt message record")
	}
	return dec.Priority, nil
}
