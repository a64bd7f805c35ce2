// Package listener reacts to failed messages by sending them again through
// their transport when the retry policy allows it.
package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rzbill/courier/internal/envelope"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/retry"
	"github.com/rzbill/courier/pkg/log"
)

// DefaultHistorySize is the number of delay and redelivery stamps kept on a
// retried envelope.
const DefaultHistorySize = 10

// Sender puts an envelope back on a transport and returns it stamped with
// the new transport id.
type Sender interface {
	Send(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error)
}

var retryCounter = sync.OnceValue(func() *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "listener",
		Name:      "failed_messages_total",
		Help:      "Failed messages by transport and outcome (retried or exhausted).",
	}, []string{"transport", "outcome"})
})

// RetryListener sends failed messages for retry. Senders and strategies are
// keyed by receiver name.
type RetryListener struct {
	senders     map[string]Sender
	strategies  map[string]retry.Strategy
	notifier    event.Notifier
	logger      log.Logger
	historySize int
	now         func() time.Time
	counter     *prometheus.CounterVec
}

// Option configures a RetryListener.
type Option func(*RetryListener)

// WithNotifier emits MessageRetried after each successful resend.
func WithNotifier(n event.Notifier) Option {
	return func(l *RetryListener) { l.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(l *RetryListener) { l.logger = logger }
}

// WithHistorySize overrides DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(l *RetryListener) {
		if n > 0 {
			l.historySize = n
		}
	}
}

func New(senders map[string]Sender, strategies map[string]retry.Strategy, opts ...Option) *RetryListener {
	l := &RetryListener{
		senders:     senders,
		strategies:  strategies,
		notifier:    event.Nop,
		logger:      log.NewNopLogger(),
		historySize: DefaultHistorySize,
		now:         time.Now,
		counter:     retryCounter(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithComponent("retry-listener")
	return l
}

// OnMessageFailed decides between retry and exhaustion. On exhaustion the
// event's envelope gets SentForRetryStamp{false}. On retry the envelope is
// sent with a new delay and redelivery stamp, the event's envelope gets
// SentForRetryStamp{true} and MessageRetried is emitted. A send error is
// returned as is.
func (l *RetryListener) OnMessageFailed(ctx context.Context, ev *event.MessageFailed) error {
	strategy, ok := l.strategies[ev.ReceiverName]
	if !ok || strategy == nil {
		l.exhausted(ev)
		return nil
	}

	env := ev.Envelope
	verdict, delay, hasDelay := retry.Classify(ev.Err)
	retryable := false
	switch verdict {
	case retry.Retry:
		retryable = true
	case retry.AskStrategy:
		retryable = strategy.IsRetryable(env, ev.Err)
	}
	if !retryable {
		l.exhausted(ev)
		return nil
	}
	if !hasDelay {
		delay = strategy.WaitingTime(env, ev.Err)
	}

	sender, ok := l.senders[ev.ReceiverName]
	if !ok {
		return fmt.Errorf("no sender registered for transport %q", ev.ReceiverName)
	}

	retryCount := envelope.RetryCount(env) + 1
	l.logger.Warn("Error thrown while handling message, sending for retry",
		log.Str("transport", ev.ReceiverName),
		log.Int("retry_count", retryCount),
		log.Dur("delay", delay),
		log.Err(ev.Err))

	resend := l.withLimitedHistory(env,
		envelope.DelayStamp{Delay: delay},
		envelope.RedeliveryStamp{RetryCount: retryCount, RedeliveredAt: l.now()},
	)
	sent, err := sender.Send(ctx, resend)
	if err != nil {
		return err
	}

	ev.WillRetry = true
	ev.Envelope = ev.Envelope.With(envelope.SentForRetryStamp{IsSent: true})
	l.counter.WithLabelValues(ev.ReceiverName, "retried").Inc()
	l.notifier.Notify(ctx, event.MessageRetried{Envelope: sent, ReceiverName: ev.ReceiverName})
	return nil
}

func (l *RetryListener) exhausted(ev *event.MessageFailed) {
	ev.WillRetry = false
	ev.Envelope = ev.Envelope.With(envelope.SentForRetryStamp{IsSent: false})
	l.counter.WithLabelValues(ev.ReceiverName, "exhausted").Inc()
	l.logger.Error("Error thrown while handling message, removing from transport",
		log.Str("transport", ev.ReceiverName),
		log.Int("retry_count", envelope.RetryCount(ev.Envelope)),
		log.Err(ev.Err))
}

// withLimitedHistory appends each stamp, first dropping the oldest stamps of
// its kind so that at most historySize remain.
func (l *RetryListener) withLimitedHistory(env envelope.Envelope, stamps ...envelope.Stamp) envelope.Envelope {
	for _, stamp := range stamps {
		name := stamp.StampName()
		history := env.AllOf(name)
		if len(history) < l.historySize {
			env = env.With(stamp)
			continue
		}
		kept := append(history[len(history)-(l.historySize-1):], stamp)
		env = env.Without(name).With(kept...)
	}
	return env
}
