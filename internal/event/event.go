// Package event defines the events a worker emits while consuming and an
// in-process bus to observe them.
package event

import (
	"context"

	"github.com/rzbill/courier/internal/envelope"
)

// Notifier receives worker events. Implementations must not block for long;
// they run on the worker's goroutine.
type Notifier interface {
	Notify(ctx context.Context, event any)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event any)

func (f NotifierFunc) Notify(ctx context.Context, event any) { f(ctx, event) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, any) {})

// MessageReceived is emitted before a message is handled.
type MessageReceived struct {
	Envelope     envelope.Envelope
	ReceiverName string
}

// MessageHandled is emitted after a message was handled and acknowledged.
type MessageHandled struct {
	Envelope     envelope.Envelope
	ReceiverName string
}

// MessageFailed is emitted when handling a message failed. Listeners may
// replace Envelope (e.g. to record whether it was sent for retry) and set
// WillRetry.
type MessageFailed struct {
	Envelope     envelope.Envelope
	ReceiverName string
	Err          error
	WillRetry    bool
}

// MessageRetried is emitted after a failed message was sent again. Envelope
// is the one returned by the sender, carrying the new transport id.
type MessageRetried struct {
	Envelope     envelope.Envelope
	ReceiverName string
}
