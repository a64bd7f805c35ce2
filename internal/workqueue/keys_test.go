package workqueue

import (
	"bytes"
	"testing"
)

func TestMsgKeyOrdering(t *testing.T) {
	a := MsgKey("ns", "q", 10)
	b := MsgKey("ns", "q", 256)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected seq ordering")
	}
}

func TestLeaseIdxOrdering(t *testing.T) {
	a := LeaseIdxKey("ns", "q", 100, 9)
	b := LeaseIdxKey("ns", "q", 200, 1)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected expiry ordering")
	}
}

func TestPrioKeyOrdering(t *testing.T) {
	a := PrioKey("ns", "q", 1, 100)
	b := PrioKey("ns", "q", 2, 50)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected lower priority to sort first")
	}
	c := PrioKey("ns", "q", 2, 51)
	if bytes.Compare(b, c) >= 0 {
		t.Fatalf("expected enqueue order within a priority")
	}
}

func TestQueuesDoNotOverlap(t *testing.T) {
	lo, hi := keyRange(PrioPrefix("ns", "q"))
	other := PrioKey("ns", "q2", 0, 1)
	if bytes.Compare(other, lo) >= 0 && bytes.Compare(other, hi) < 0 {
		t.Fatalf("q2 key inside q range")
	}
	if trailingSeq(PrioKey("ns", "q", 7, 42)) != 42 {
		t.Fatalf("trailing seq")
	}
}
