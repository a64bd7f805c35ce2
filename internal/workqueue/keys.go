package workqueue

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes for WorkQueue data structures
const (
	prefixMsg      = "msg/"          // Message data
	prefixPriority = "priority_idx/" // Priority index
	prefixDelay    = "delay_idx/"    // Delayed message index
	prefixLease    = "lease/"        // Active leases
	prefixLeaseIdx = "lease_idx/"    // Lease expiry index
	prefixDLQ      = "dlq/"          // Buried messages
	keyMeta        = "meta"
)

// workQueuePrefix returns the base prefix for a work queue.
// Format: ns/{namespace}/wq/{name}/
func workQueuePrefix(namespace, name string) string {
	return fmt.Sprintf("ns/%s/wq/%s/", namespace, name)
}

func seqKey(prefix string, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// MetaKey returns the metadata key of a queue.
// Format: ns/{ns}/wq/{name}/meta
func MetaKey(namespace, name string) []byte {
	return []byte(workQueuePrefix(namespace, name) + keyMeta)
}

// MsgKey returns the message key.
// Format: ns/{ns}/wq/{name}/msg/{seq}
func MsgKey(namespace, name string, seq uint64) []byte {
	return seqKey(workQueuePrefix(namespace, name)+prefixMsg, seq)
}

// PrioKey returns the priority index key.
// Format: ns/{ns}/wq/{name}/priority_idx/{priority}/{seq}
// Lower priority values are dequeued first, ties in enqueue order.
func PrioKey(namespace, name string, priority uint32, seq uint64) []byte {
	prefix := workQueuePrefix(namespace, name) + prefixPriority
	key := make([]byte, len(prefix)+4+8)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], priority)
	binary.BigEndian.PutUint64(key[len(prefix)+4:], seq)
	return key
}

// DelayKey returns the delay index key.
// Format: ns/{ns}/wq/{name}/delay_idx/{ready_at_ms}/{seq}
func DelayKey(namespace, name string, readyAtMs uint64, seq uint64) []byte {
	return timedKey(workQueuePrefix(namespace, name)+prefixDelay, readyAtMs, seq)
}

// LeaseKey returns the lease key.
// Format: ns/{ns}/wq/{name}/lease/{seq}
func LeaseKey(namespace, name string, seq uint64) []byte {
	return seqKey(workQueuePrefix(namespace, name)+prefixLease, seq)
}

// LeaseIdxKey returns the lease index key for a specific expiry time and message.
// Format: ns/{ns}/wq/{name}/lease_idx/{expires_ms}/{seq}
func LeaseIdxKey(namespace, name string, expiresMs uint64, seq uint64) []byte {
	return timedKey(workQueuePrefix(namespace, name)+prefixLeaseIdx, expiresMs, seq)
}

// DLQKey returns the key of a buried message.
// Format: ns/{ns}/wq/{name}/dlq/{seq}
func DLQKey(namespace, name string, seq uint64) []byte {
	return seqKey(workQueuePrefix(namespace, name)+prefixDLQ, seq)
}

func timedKey(prefix string, ms, seq uint64) []byte {
	key := make([]byte, len(prefix)+8+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], ms)
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

// PrioPrefix returns the prefix for priority index scanning.
func PrioPrefix(namespace, name string) []byte {
	return []byte(workQueuePrefix(namespace, name) + prefixPriority)
}

// DelayPrefix returns the prefix for delay index scanning.
func DelayPrefix(namespace, name string) []byte {
	return []byte(workQueuePrefix(namespace, name) + prefixDelay)
}

// LeaseIdxPrefix returns the prefix for lease index scanning.
func LeaseIdxPrefix(namespace, name string) []byte {
	return []byte(workQueuePrefix(namespace, name) + prefixLeaseIdx)
}

// DLQPrefix returns the prefix for buried message scanning.
func DLQPrefix(namespace, name string) []byte {
	return []byte(workQueuePrefix(namespace, name) + prefixDLQ)
}

// keyRange returns the bounds for scanning everything under prefix; the upper
// bound is exclusive.
func keyRange(prefix []byte) ([]byte, []byte) {
	hi := append(append([]byte{}, prefix...), 0xFF)
	return prefix, hi
}

// trailingSeq reads the sequence number stored in the last 8 bytes of an
// index key.
func trailingSeq(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
