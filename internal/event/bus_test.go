package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rzbill/courier/internal/envelope"
)

func TestBusDispatchesByType(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)

	var handled []string
	var failed []*MessageFailed
	Subscribe(bus, func(_ context.Context, e MessageHandled) { handled = append(handled, e.ReceiverName) })
	Subscribe(bus, func(_ context.Context, e *MessageFailed) { failed = append(failed, e) })

	bus.Notify(ctx, MessageHandled{ReceiverName: "orders"})
	ev := &MessageFailed{Envelope: envelope.New("x"), ReceiverName: "orders"}
	bus.Notify(ctx, ev)
	bus.Notify(ctx, MessageReceived{ReceiverName: "ignored"})

	assert.Equal(t, []string{"orders"}, handled)
	assert.Equal(t, []*MessageFailed{ev}, failed)
}

func TestBusSurvivesPanicAndUnsubscribes(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)

	calls := 0
	Subscribe(bus, func(context.Context, MessageRetried) { panic("boom") })
	unsub := Subscribe(bus, func(context.Context, MessageRetried) { calls++ })
	assert.Equal(t, 2, bus.Len())

	assert.NotPanics(t, func() { bus.Notify(ctx, MessageRetried{}) })
	assert.Equal(t, 1, calls)

	unsub()
	unsub()
	bus.Notify(ctx, MessageRetried{})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, bus.Len())
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop.Notify(context.Background(), MessageHandled{}) })
}
