package transport

import (
	"context"
	"time"
)

// Message is one job as seen by a consumer: the backend id plus the decoded
// body and headers.
type Message struct {
	ID      string
	Body    string
	Headers map[string]string
}

// Connection is the capability surface every queue backend implements.
//
// Receive returns (nil, nil) when no message became available within the
// backend's reservation timeout. Backend failures are returned as
// *TransportError.
type Connection interface {
	Send(ctx context.Context, body string, headers map[string]string, opts ...SendOption) (string, error)
	Receive(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, id string) error
	Reject(ctx context.Context, id string, opts ...RejectOption) error
	// Keepalive extends the processing deadline of id. A zero interval skips
	// the local check against the backend's redeliver timeout.
	Keepalive(ctx context.Context, id string, interval time.Duration) error
	MessageCount(ctx context.Context) (int, error)
	MessagePriority(ctx context.Context, id string) (int, error)
	Close() error
}

// SendOptions are the per-call knobs of Connection.Send.
type SendOptions struct {
	Delay    time.Duration
	Priority *uint32
}

type SendOption func(*SendOptions)

// WithDelay holds the message back for d before it becomes available.
func WithDelay(d time.Duration) SendOption {
	return func(o *SendOptions) { o.Delay = d }
}

// WithPriority overrides the backend default priority.
func WithPriority(p uint32) SendOption {
	return func(o *SendOptions) { o.Priority = &p }
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts []SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// RejectOptions are the per-call knobs of Connection.Reject.
type RejectOptions struct {
	Priority    *uint32
	ForceDelete bool
}

type RejectOption func(*RejectOptions)

// WithRejectPriority sets the priority used when the backend buries the job.
func WithRejectPriority(p uint32) RejectOption {
	return func(o *RejectOptions) { o.Priority = &p }
}

// ForceDelete deletes the job even when the backend is configured to bury
// rejected jobs.
func ForceDelete() RejectOption {
	return func(o *RejectOptions) { o.ForceDelete = true }
}

// ApplyRejectOptions folds opts into a RejectOptions value.
func ApplyRejectOptions(opts []RejectOption) RejectOptions {
	var o RejectOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
