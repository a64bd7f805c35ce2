package listener

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/courier/internal/envelope"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/retry"
)

type fakeSender struct {
	sent []envelope.Envelope
	err  error
}

func (s *fakeSender) Send(_ context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	if s.err != nil {
		return env, s.err
	}
	s.sent = append(s.sent, env)
	return env.With(envelope.TransportMessageIDStamp{ID: fmt.Sprintf("id-%d", len(s.sent))}), nil
}

type countingStrategy struct {
	retryable     bool
	wait          time.Duration
	retryableHits int
	waitHits      int
}

func (s *countingStrategy) IsRetryable(envelope.Envelope, error) bool {
	s.retryableHits++
	return s.retryable
}

func (s *countingStrategy) WaitingTime(envelope.Envelope, error) time.Duration {
	s.waitHits++
	return s.wait
}

type message struct{ Body string }

func setup(strategy retry.Strategy) (*RetryListener, *fakeSender, *[]event.MessageRetried) {
	sender := &fakeSender{}
	var retried []event.MessageRetried
	notifier := event.NotifierFunc(func(_ context.Context, ev any) {
		if r, ok := ev.(event.MessageRetried); ok {
			retried = append(retried, r)
		}
	})
	strategies := map[string]retry.Strategy{}
	if strategy != nil {
		strategies["async"] = strategy
	}
	l := New(map[string]Sender{"async": sender}, strategies, WithNotifier(notifier))
	l.now = func() time.Time { return time.Unix(1700000000, 0) }
	return l, sender, &retried
}

func failed(env envelope.Envelope, err error) *event.MessageFailed {
	return &event.MessageFailed{Envelope: env, ReceiverName: "async", Err: err}
}

func sentForRetry(t *testing.T, env envelope.Envelope) bool {
	t.Helper()
	stamp, ok := envelope.Last[envelope.SentForRetryStamp](env)
	require.True(t, ok, "missing sent_for_retry stamp")
	return stamp.IsSent
}

func TestRetriesWithStrategyDelay(t *testing.T) {
	strategy := &countingStrategy{retryable: true, wait: 1500 * time.Millisecond}
	l, sender, retried := setup(strategy)
	ev := failed(envelope.New(message{"x"}), errors.New("boom"))

	require.NoError(t, l.OnMessageFailed(context.Background(), ev))

	require.Len(t, sender.sent, 1)
	resent := sender.sent[0]
	delay, ok := envelope.Last[envelope.DelayStamp](resent)
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, delay.Delay)
	redelivery, ok := envelope.Last[envelope.RedeliveryStamp](resent)
	require.True(t, ok)
	assert.Equal(t, 1, redelivery.RetryCount)
	assert.Equal(t, time.Unix(1700000000, 0), redelivery.RedeliveredAt)

	assert.True(t, sentForRetry(t, ev.Envelope))
	assert.True(t, ev.WillRetry)
	_, onResent := envelope.Last[envelope.SentForRetryStamp](resent)
	assert.False(t, onResent, "the resent copy must not carry the marker")

	require.Len(t, *retried, 1)
	id, ok := envelope.Last[envelope.TransportMessageIDStamp]((*retried)[0].Envelope)
	require.True(t, ok)
	assert.Equal(t, "id-1", id.ID)
	assert.Equal(t, 1, strategy.retryableHits)
	assert.Equal(t, 1, strategy.waitHits)
}

func TestRetryCountFollowsHighestRedelivery(t *testing.T) {
	l, sender, _ := setup(&countingStrategy{retryable: true})
	env := envelope.New(message{"x"},
		envelope.RedeliveryStamp{RetryCount: 3},
		envelope.RedeliveryStamp{RetryCount: 1},
	)
	require.NoError(t, l.OnMessageFailed(context.Background(), failed(env, errors.New("boom"))))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, 4, envelope.RetryCount(sender.sent[0]))
}

func TestNoStrategyExhausts(t *testing.T) {
	l, sender, retried := setup(nil)
	ev := failed(envelope.New(message{"x"}), retry.Recoverable(errors.New("boom")))

	require.NoError(t, l.OnMessageFailed(context.Background(), ev))

	assert.Empty(t, sender.sent)
	assert.Empty(t, *retried)
	assert.False(t, sentForRetry(t, ev.Envelope))
	assert.False(t, ev.WillRetry)
}

func TestNotRetryableExhausts(t *testing.T) {
	strategy, err := retry.NewMultiplierStrategy(0)
	require.NoError(t, err)
	l, sender, retried := setup(strategy)
	ev := failed(envelope.New(message{"x"}), errors.New("boom"))

	require.NoError(t, l.OnMessageFailed(context.Background(), ev))

	assert.Empty(t, sender.sent)
	assert.Empty(t, *retried)
	assert.False(t, sentForRetry(t, ev.Envelope))
}

func TestRecoverableSkipsIsRetryable(t *testing.T) {
	strategy := &countingStrategy{retryable: false, wait: time.Second}
	l, sender, _ := setup(strategy)
	ev := failed(envelope.New(message{"x"}), retry.Recoverable(errors.New("try again")))

	require.NoError(t, l.OnMessageFailed(context.Background(), ev))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, 0, strategy.retryableHits)
	assert.Equal(t, 1, strategy.waitHits)
	assert.True(t, sentForRetry(t, ev.Envelope))
}

func TestRecoverableDelaySkipsStrategy(t *testing.T) {
	strategy := &countingStrategy{retryable: false, wait: time.Hour}
	l, sender, _ := setup(strategy)
	ev := failed(envelope.New(message{"x"}), retry.RecoverableAfter(errors.New("later"), 2*time.Second))

	require.NoError(t, l.OnMessageFailed(context.Background(), ev))

	require.Len(t, sender.sent, 1)
	delay, _ := envelope.Last[envelope.DelayStamp](sender.sent[0])
	assert.Equal(t, 2*time.Second, delay.Delay)
	assert.Equal(t, 0, strategy.retryableHits)
	assert.Equal(t, 0, strategy.waitHits)
}

func TestCompositeDelayTakesMinimum(t *testing.T) {
	tests := []struct {
		name   string
		delays []time.Duration
		want   time.Duration
	}{
		{"smallest wins", []time.Duration{1235 * time.Millisecond, 2000 * time.Millisecond, 1000 * time.Millisecond}, 1000 * time.Millisecond},
		{"zero wins", []time.Duration{0, 2000 * time.Millisecond, 1000 * time.Millisecond}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, sender, _ := setup(&countingStrategy{retryable: true, wait: time.Hour})
			var errs []error
			for i, d := range tt.delays {
				errs = append(errs, retry.RecoverableAfter(fmt.Errorf("handler %d", i), d))
			}
			ev := failed(envelope.New(message{"x"}), retry.NewHandlerFailedError(errs...))

			require.NoError(t, l.OnMessageFailed(context.Background(), ev))

			require.Len(t, sender.sent, 1)
			delay, ok := envelope.Last[envelope.DelayStamp](sender.sent[0])
			require.True(t, ok)
			assert.Equal(t, tt.want, delay.Delay)
		})
	}
}

func TestUnrecoverableIsNeverRetried(t *testing.T) {
	strategy := &countingStrategy{retryable: true}
	l, sender, _ := setup(strategy)
	err := retry.NewHandlerFailedError(
		retry.Unrecoverable(errors.New("bad input")),
		fmt.Errorf("wrapped: %w", retry.Unrecoverable(errors.New("also bad"))),
	)
	ev := failed(envelope.New(message{"x"}), err)

	require.NoError(t, l.OnMessageFailed(context.Background(), ev))

	assert.Empty(t, sender.sent)
	assert.Equal(t, 0, strategy.retryableHits)
	assert.False(t, sentForRetry(t, ev.Envelope))
}

func TestHistoryIsLimited(t *testing.T) {
	l, sender, _ := setup(&countingStrategy{retryable: true, wait: time.Second})
	env := envelope.New(message{"x"})
	for i := 0; i < 15; i++ {
		env = env.With(envelope.DelayStamp{Delay: time.Duration(i) * time.Millisecond})
	}
	for i := 1; i <= 3; i++ {
		env = env.With(envelope.RedeliveryStamp{RetryCount: i})
	}

	require.NoError(t, l.OnMessageFailed(context.Background(), failed(env, errors.New("boom"))))

	require.Len(t, sender.sent, 1)
	delays := envelope.All[envelope.DelayStamp](sender.sent[0])
	require.Len(t, delays, 10)
	assert.Equal(t, 6*time.Millisecond, delays[0].Delay)
	assert.Equal(t, time.Second, delays[9].Delay)
	redeliveries := envelope.All[envelope.RedeliveryStamp](sender.sent[0])
	require.Len(t, redeliveries, 4)
	assert.Equal(t, 4, redeliveries[3].RetryCount)
}

func TestSendErrorPropagates(t *testing.T) {
	l, sender, retried := setup(&countingStrategy{retryable: true})
	sender.err = errors.New("connection refused")
	ev := failed(envelope.New(message{"x"}), errors.New("boom"))

	err := l.OnMessageFailed(context.Background(), ev)

	require.ErrorIs(t, err, sender.err)
	assert.Empty(t, *retried)
	_, marked := envelope.Last[envelope.SentForRetryStamp](ev.Envelope)
	assert.False(t, marked)
}

func TestMissingSender(t *testing.T) {
	l := New(nil, map[string]retry.Strategy{"async": &countingStrategy{retryable: true}})
	err := l.OnMessageFailed(context.Background(), failed(envelope.New(message{"x"}), errors.New("boom")))
	require.ErrorContains(t, err, `no sender registered for transport "async"`)
}
