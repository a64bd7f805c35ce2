package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/rzbill/courier/pkg/log"
)

// Bus dispatches events to subscribers registered for their concrete type.
// A panicking subscriber is logged and does not stop delivery to the others.
type Bus struct {
	logger log.Logger

	mu   sync.RWMutex
	subs []subscriber
}

type subscriber struct {
	id     int
	handle func(ctx context.Context, event any) bool
}

var _ Notifier = (*Bus)(nil)

func NewBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Bus{logger: logger.WithComponent("event-bus")}
}

var nextID struct {
	sync.Mutex
	n int
}

// Subscribe registers fn for events of type T and returns a function that
// removes the subscription.
func Subscribe[T any](b *Bus, fn func(ctx context.Context, event T)) (unsubscribe func()) {
	nextID.Lock()
	nextID.n++
	id := nextID.n
	nextID.Unlock()

	b.mu.Lock()
	b.subs = append(b.subs, subscriber{
		id: id,
		handle: func(ctx context.Context, event any) bool {
			typed, ok := event.(T)
			if !ok {
				return false
			}
			fn(ctx, typed)
			return true
		},
	})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Notify delivers event to every matching subscriber in subscription order.
func (b *Bus) Notify(ctx context.Context, event any) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s, event)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscriber, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				log.Str("event", fmt.Sprintf("%T", event)),
				log.Any("panic", r))
		}
	}()
	s.handle(ctx, event)
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
