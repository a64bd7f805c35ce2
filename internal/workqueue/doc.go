// Package workqueue implements a pebble-backed job queue with lease-based
// delivery, the storage behind the embedded transport.
//
// Each message is delivered to one consumer at a time. A dequeued message is
// leased for a time-to-run; if it is neither completed, buried nor extended
// before the lease expires, ReclaimExpired makes it ready again at its
// original priority.
//
// # Keyspace
//
// All keys are prefixed with ns/{namespace}/wq/{name}/:
//
//	meta                            - last sequence (8B BE)
//	msg/{seq}                       - message record
//	priority_idx/{priority}/{seq}   - ready messages, lowest priority first
//	delay_idx/{ready_at_ms}/{seq}   - delayed messages; value is the priority
//	lease/{seq}                     - active lease (expires_at_ms, priority)
//	lease_idx/{expires_ms}/{seq}    - lease expiry index for reclaiming
//	dlq/{seq}                       - buried messages
//
// # Message Lifecycle
//
//  1. Enqueue: msg written, indexed by priority or delay
//  2. Dequeue: due delays promoted, lowest priority leased
//  3. Processing:
//     - ExtendLease: lease moved forward via keepalive
//     - Complete: msg and lease deleted
//     - Bury: msg moved to dlq, lease deleted
//  4. Expiry: lease expires, msg is ready again
//
// Delivery is at-least-once; consumers should be idempotent.
package workqueue
