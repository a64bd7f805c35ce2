package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rzbill/courier/internal/envelope"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/transport"
	"github.com/rzbill/courier/pkg/log"
)

const defaultIdleSleep = time.Second

// Handler processes one message. Returning a retry.RecoverableError or
// retry.UnrecoverableError overrides the retry strategy.
type Handler interface {
	Handle(ctx context.Context, env envelope.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env envelope.Envelope) error { return f(ctx, env) }

// Receiver is the consuming side of a transport. *transport.Receiver
// implements it.
type Receiver interface {
	Name() string
	Get(ctx context.Context) (*envelope.Envelope, error)
	Ack(ctx context.Context, env envelope.Envelope) error
	Reject(ctx context.Context, env envelope.Envelope, opts ...transport.RejectOption) error
	Keepalive(ctx context.Context, env envelope.Envelope, interval time.Duration) error
}

// FailureListener decides what happens to a failed message before it is
// rejected. *listener.RetryListener implements it.
type FailureListener interface {
	OnMessageFailed(ctx context.Context, ev *event.MessageFailed) error
}

var messageCounter = sync.OnceValue(func() *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "worker",
		Name:      "messages_total",
		Help:      "Messages consumed by transport and outcome (handled or failed).",
	}, []string{"transport", "outcome"})
})

// Worker consumes messages from a list of receivers.
type Worker struct {
	receivers         []Receiver
	handler           Handler
	listener          FailureListener
	notifier          event.Notifier
	logger            log.Logger
	keepaliveInterval time.Duration
	messageLimit      int
	idleSleep         time.Duration
	counter           *prometheus.CounterVec

	handled int
}

// Option configures a Worker.
type Option func(*Worker)

// WithListener sets the failure listener consulted before a failed message
// is rejected.
func WithListener(l FailureListener) Option {
	return func(w *Worker) { w.listener = l }
}

func WithNotifier(n event.Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

func WithLogger(logger log.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithKeepaliveInterval enables periodic keepalive while a handler runs.
// Zero disables it.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(w *Worker) { w.keepaliveInterval = d }
}

// WithMessageLimit stops the worker after n messages. Zero means no limit.
func WithMessageLimit(n int) Option {
	return func(w *Worker) { w.messageLimit = n }
}

// WithIdleSleep sets how long the worker sleeps after a pass over all
// receivers returned nothing.
func WithIdleSleep(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.idleSleep = d
		}
	}
}

func New(receivers []Receiver, handler Handler, opts ...Option) *Worker {
	w := &Worker{
		receivers: receivers,
		handler:   handler,
		notifier:  event.Nop,
		logger:    log.NewNopLogger(),
		idleSleep: defaultIdleSleep,
		counter:   messageCounter(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("worker")
	return w
}

// Handled is the number of messages processed so far, successful or not.
func (w *Worker) Handled() int { return w.handled }

// Run consumes until ctx is cancelled or the message limit is reached. It
// returns the first receive, acknowledge or reject error it cannot recover
// from; cancellation is not an error.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.receivers) == 0 {
		return errors.New("worker needs at least one receiver")
	}
	w.logger.Info("worker started", log.Int("receivers", len(w.receivers)))
	defer func() { w.logger.Info("worker stopped", log.Int("handled", w.handled)) }()

	for {
		if ctx.Err() != nil {
			return nil
		}
		got, err := w.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if w.messageLimit > 0 && w.handled >= w.messageLimit {
			w.logger.Info("message limit reached", log.Int("limit", w.messageLimit))
			return nil
		}
		if got {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.idleSleep):
		}
	}
}

// poll handles the first message found, trying receivers in order.
func (w *Worker) poll(ctx context.Context) (bool, error) {
	for _, r := range w.receivers {
		env, err := r.Get(ctx)
		if err != nil {
			var decErr *transport.MessageDecodingError
			if errors.As(err, &decErr) {
				w.logger.Warn("dropped undecodable message",
					log.Str("transport", r.Name()),
					log.Str("message_id", decErr.ID),
					log.Err(err))
				return true, nil
			}
			return false, fmt.Errorf("receive from %s: %w", r.Name(), err)
		}
		if env == nil {
			continue
		}
		return true, w.handle(ctx, r, *env)
	}
	return false, nil
}

func (w *Worker) handle(ctx context.Context, r Receiver, env envelope.Envelope) error {
	name := r.Name()
	w.handled++
	w.notifier.Notify(ctx, event.MessageReceived{Envelope: env, ReceiverName: name})

	stop := w.keepalive(ctx, r, env)
	err := w.handler.Handle(ctx, env)
	stop()

	if err == nil {
		if err := r.Ack(ctx, env); err != nil {
			return fmt.Errorf("ack on %s: %w", name, err)
		}
		w.counter.WithLabelValues(name, "handled").Inc()
		w.notifier.Notify(ctx, event.MessageHandled{Envelope: env, ReceiverName: name})
		w.logger.Debug("message handled", log.Str("transport", name), log.Str("message_id", messageID(env)))
		return nil
	}

	w.counter.WithLabelValues(name, "failed").Inc()
	ev := &event.MessageFailed{Envelope: env, ReceiverName: name, Err: err}
	if w.listener != nil {
		if lerr := w.listener.OnMessageFailed(ctx, ev); lerr != nil {
			return fmt.Errorf("failure listener on %s: %w", name, lerr)
		}
	}
	w.notifier.Notify(ctx, ev)

	if err := r.Reject(ctx, ev.Envelope); err != nil {
		return fmt.Errorf("reject on %s: %w", name, err)
	}
	return nil
}

// keepalive starts the keepalive ticker for env and returns a function that
// stops it and waits for the goroutine to exit.
func (w *Worker) keepalive(ctx context.Context, r Receiver, env envelope.Envelope) func() {
	if w.keepaliveInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Keepalive(ctx, env, w.keepaliveInterval); err != nil && ctx.Err() == nil {
					w.logger.Warn("keepalive failed",
						log.Str("transport", r.Name()),
						log.Str("message_id", messageID(env)),
						log.Err(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func messageID(env envelope.Envelope) string {
	if s, ok := envelope.Last[envelope.TransportMessageIDStamp](env); ok {
		return s.ID
	}
	return ""
}
