package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/rzbill/courier/internal/envelope"
	"github.com/rzbill/courier/internal/transport"
	"github.com/rzbill/courier/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendThenReceiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn := memory.New()
	ser := transport.NewJSONSerializer()
	sender := transport.NewSender(conn, ser)
	receiver := transport.NewReceiver("async", conn, ser)

	sent, err := sender.Send(ctx, envelope.New(transport.RawMessage{Body: "hello"},
		envelope.RedeliveryStamp{RetryCount: 1},
		envelope.PriorityStamp{Priority: 3},
	))
	require.NoError(t, err)
	idStamp, ok := envelope.Last[envelope.TransportMessageIDStamp](sent)
	require.True(t, ok)

	got, err := receiver.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, transport.RawMessage{Body: "hello"}, got.Message())
	assert.Equal(t, 1, envelope.RetryCount(*got))

	recv, ok := envelope.Last[envelope.ReceivedStamp](*got)
	require.True(t, ok)
	assert.Equal(t, "async", recv.TransportName)
	gotID, _ := envelope.Last[envelope.TransportMessageIDStamp](*got)
	assert.Equal(t, idStamp.ID, gotID.ID)

	prio, err := conn.MessagePriority(ctx, gotID.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, prio)

	require.NoError(t, receiver.Keepalive(ctx, *got, time.Second))
	require.NoError(t, receiver.Ack(ctx, *got))
	assert.Len(t, conn.Acked(), 1)
}

func TestSenderHonoursDelayStamp(t *testing.T) {
	ctx := context.Background()
	conn := memory.New()
	now := time.Unix(0, 0)
	conn.SetClock(func() time.Time { return now })
	sender := transport.NewSender(conn, transport.NewJSONSerializer())

	_, err := sender.Send(ctx, envelope.New(transport.RawMessage{Body: "x"}, envelope.DelayStamp{Delay: time.Second}))
	require.NoError(t, err)

	msg, _ := conn.Receive(ctx)
	assert.Nil(t, msg)
	now = now.Add(time.Second)
	msg, _ = conn.Receive(ctx)
	assert.NotNil(t, msg)
}

func TestReceiverRejectsUndecodableMessages(t *testing.T) {
	ctx := context.Background()
	conn := memory.New()
	_, err := conn.Send(ctx, "{}", map[string]string{transport.TypeHeader: "unknown"})
	require.NoError(t, err)

	receiver := transport.NewReceiver("async", conn, transport.NewJSONSerializer())
	env, err := receiver.Get(ctx)
	assert.Nil(t, env)
	var decErr *transport.MessageDecodingError
	require.ErrorAs(t, err, &decErr)
	assert.Len(t, conn.Rejected(), 1)
}

func TestReceiverWithoutIDStamp(t *testing.T) {
	receiver := transport.NewReceiver("async", memory.New(), transport.NewJSONSerializer())
	assert.Error(t, receiver.Ack(context.Background(), envelope.New(nil)))
}

type rejectRecorder struct {
	*memory.Connection
	opts []transport.RejectOptions
}

func (r *rejectRecorder) Reject(ctx context.Context, id string, opts ...transport.RejectOption) error {
	r.opts = append(r.opts, transport.ApplyRejectOptions(opts))
	return r.Connection.Reject(ctx, id, opts...)
}

func TestReceiverRejectForcesDeleteAfterRetry(t *testing.T) {
	ctx := context.Background()
	conn := &rejectRecorder{Connection: memory.New()}
	ser := transport.NewJSONSerializer()
	sender := transport.NewSender(conn, ser)
	receiver := transport.NewReceiver("async", conn, ser)

	for i := 0; i < 3; i++ {
		_, err := sender.Send(ctx, envelope.New(transport.RawMessage{Body: "x"}, envelope.PriorityStamp{Priority: 7}))
		require.NoError(t, err)
	}

	cases := []struct {
		name  string
		stamp []envelope.Stamp
		force bool
	}{
		{name: "not stamped"},
		{name: "not sent", stamp: []envelope.Stamp{envelope.SentForRetryStamp{IsSent: false}}},
		{name: "sent for retry", stamp: []envelope.Stamp{envelope.SentForRetryStamp{IsSent: true}}, force: true},
	}
	for i, tc := range cases {
		got, err := receiver.Get(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		env := got.With(tc.stamp...)
		require.NoError(t, receiver.Reject(ctx, env), tc.name)

		require.Len(t, conn.opts, i+1)
		o := conn.opts[i]
		assert.Equal(t, tc.force, o.ForceDelete, tc.name)
		require.NotNil(t, o.Priority, tc.name)
		assert.Equal(t, uint32(7), *o.Priority, tc.name)
	}
}
