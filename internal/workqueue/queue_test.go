package workqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
)

func openTestDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func openTestQueue(t *testing.T) *WorkQueue {
	t.Helper()
	q, err := OpenQueue(openTestDB(t), "ns", "q")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func mustDequeueOne(t *testing.T, q *WorkQueue, leaseMs, nowMs int64) LeasedMessage {
	t.Helper()
	msgs, err := q.Dequeue(context.Background(), 1, leaseMs, nowMs)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("want 1 message, got %d", len(msgs))
	}
	return msgs[0]
}

func TestEnqueueRestoresSequence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	q, _ := OpenQueue(db, "ns", "q")
	s1, err := q.Enqueue(ctx, []byte("h"), []byte("p"), 5, 0, 1000)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if s1 != 1 {
		t.Fatalf("want seq 1, got %d", s1)
	}

	reopened, err := OpenQueue(db, "ns", "q")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2, _ := reopened.Enqueue(ctx, nil, []byte("p"), 5, 0, 1000)
	if s2 != 2 {
		t.Fatalf("want seq 2 after reopen, got %d", s2)
	}
}

func TestDequeueRespectsPriorityAndDelay(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	s1, _ := q.Enqueue(ctx, nil, []byte("a"), 10, 0, 1000)
	s2, _ := q.Enqueue(ctx, nil, []byte("b"), 1, 200, 1000)
	s3, _ := q.Enqueue(ctx, nil, []byte("c"), 10, 0, 1000)

	if m := mustDequeueOne(t, q, 1000, 1100); m.Seq != s1 {
		t.Fatalf("expected s1 first before promote")
	}
	m := mustDequeueOne(t, q, 1000, 1300)
	if m.Seq != s2 || m.Priority != 1 || string(m.Payload) != "b" {
		t.Fatalf("expected s2 after delay due, got %+v", m)
	}
	if m := mustDequeueOne(t, q, 1000, 1300); m.Seq != s3 {
		t.Fatalf("expected s3 last")
	}
	msgs, _ := q.Dequeue(ctx, 1, 1000, 1300)
	if len(msgs) != 0 {
		t.Fatalf("queue should be drained")
	}
}

func TestExtendAndComplete(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, nil, []byte("x"), 5, 0, 1000)
	mustDequeueOne(t, q, 1000, 1100)

	if err := q.ExtendLease(ctx, s, 2000, 1200); err != nil {
		t.Fatalf("extend: %v", err)
	}
	// the old expiry (2100) must no longer reclaim it
	if n, _ := q.ReclaimExpired(ctx, 2500, 0); n != 0 {
		t.Fatalf("extended lease reclaimed early")
	}
	if err := q.Complete(ctx, s); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n, _ := q.ReclaimExpired(ctx, 10_000, 0); n != 0 {
		t.Fatalf("completed message reclaimed")
	}
	if err := q.Complete(ctx, s); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := q.ExtendLease(ctx, s, 1000, 0); !errors.Is(err, ErrNotLeased) {
		t.Fatalf("want ErrNotLeased, got %v", err)
	}
}

func TestBury(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, nil, []byte("x"), 5, 0, 1000)
	mustDequeueOne(t, q, 1000, 1100)
	if err := q.Bury(ctx, s, 42); err != nil {
		t.Fatalf("bury: %v", err)
	}
	if n, _ := q.BuriedCount(); n != 1 {
		t.Fatalf("want 1 buried, got %d", n)
	}
	if _, err := q.Priority(s); !errors.Is(err, ErrNotFound) {
		t.Fatalf("buried message still live: %v", err)
	}
	if n, _ := q.ReclaimExpired(ctx, 10_000, 0); n != 0 {
		t.Fatalf("buried message reclaimed")
	}
	raw, err := q.db.Get(DLQKey("ns", "q", s))
	if err != nil {
		t.Fatalf("dlq get: %v", err)
	}
	if dec, _ := DecodeMessage(raw); dec.Priority != 42 {
		t.Fatalf("want buried priority 42, got %d", dec.Priority)
	}
}

func TestReclaimExpiredKeepsPriority(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, nil, []byte("x"), 3, 0, 1000)
	mustDequeueOne(t, q, 50, 1000)

	n, err := q.ReclaimExpired(ctx, 1100, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 reclaimed, got %d", n)
	}
	m := mustDequeueOne(t, q, 1000, 1200)
	if m.Seq != s || m.Priority != 3 {
		t.Fatalf("expected reclaimed seq at priority 3, got %+v", m)
	}
}

func TestReadyCountAndPriority(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, nil, []byte("a"), 7, 0, 1000)
	_, _ = q.Enqueue(ctx, nil, []byte("b"), 7, 500, 1000)

	if n, _ := q.ReadyCount(ctx, 1100); n != 1 {
		t.Fatalf("want 1 ready, got %d", n)
	}
	if n, _ := q.ReadyCount(ctx, 1600); n != 2 {
		t.Fatalf("want 2 ready after delay, got %d", n)
	}
	p, err := q.Priority(s)
	if err != nil || p != 7 {
		t.Fatalf("priority: %d %v", p, err)
	}
}

func TestWaitForEnqueue(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()
	if q.WaitForEnqueue(ctx, 10*time.Millisecond) {
		t.Fatalf("expected timeout on empty queue")
	}
	done := make(chan bool, 1)
	go func() { done <- q.WaitForEnqueue(ctx, 5*time.Second) }()
	time.Sleep(20 * time.Millisecond)
	if _, err := q.Enqueue(ctx, nil, []byte("x"), 1, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case woke := <-done:
		if !woke {
			t.Fatalf("expected wake by enqueue")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not woken")
	}
}
