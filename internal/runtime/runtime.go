package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/listener"
	"github.com/rzbill/courier/internal/retry"
	"github.com/rzbill/courier/internal/transport"
	"github.com/rzbill/courier/internal/transport/embedded"
	"github.com/rzbill/courier/internal/transports"
	"github.com/rzbill/courier/internal/worker"
	"github.com/rzbill/courier/pkg/log"
)

// Runtime owns the connections of every configured transport together with
// the senders, receivers, retry strategies and the failure listener built
// over them.
type Runtime struct {
	config     cfgpkg.Config
	logger     log.Logger
	serializer *transport.JSONSerializer
	bus        *event.Bus
	conns      map[string]transport.Connection
	senders    map[string]*transport.Sender
	receivers  map[string]*transport.Receiver
	strategies map[string]retry.Strategy
	listener   *listener.RetryListener
}

// Open connects every transport in cfg. Connections are instrumented with
// prometheus metrics under their transport name. On error the connections
// opened so far are closed.
func Open(ctx context.Context, cfg cfgpkg.Config, logger log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{
		config:     cfg,
		logger:     logger.WithComponent("runtime"),
		serializer: transport.NewJSONSerializer(),
		bus:        event.NewBus(logger),
		conns:      map[string]transport.Connection{},
		senders:    map[string]*transport.Sender{},
		receivers:  map[string]*transport.Receiver{},
		strategies: map[string]retry.Strategy{},
	}
	for _, name := range cfg.TransportNames() {
		tc := cfg.Transports[name]
		strategy, err := NewStrategy(tc.Retry)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("transport %q: %w", name, err)
		}
		conn, err := transports.FromDSN(ctx, resolveDSN(cfg, tc.DSN), tc.Options)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("transport %q: %w", name, err)
		}
		conn = transport.Instrument(name, conn)
		rt.conns[name] = conn
		rt.senders[name] = transport.NewSender(conn, rt.serializer)
		rt.receivers[name] = transport.NewReceiver(name, conn, rt.serializer)
		rt.strategies[name] = strategy
		rt.logger.Debug("transport connected", log.Str("transport", name), log.Str("scheme", transport.Scheme(tc.DSN)))
	}

	senders := make(map[string]listener.Sender, len(rt.senders))
	for name, s := range rt.senders {
		senders[name] = s
	}
	rt.listener = listener.New(senders, rt.strategies,
		listener.WithNotifier(rt.bus),
		listener.WithLogger(logger))
	return rt, nil
}

// NewStrategy builds the multiplier strategy described by rc, wrapped in an
// expression strategy when rc.When is set.
func NewStrategy(rc cfgpkg.RetryConfig) (retry.Strategy, error) {
	m, err := retry.NewMultiplierStrategy(rc.MaxRetries,
		retry.WithDelay(rc.Delay),
		retry.WithMultiplier(rc.Multiplier),
		retry.WithMaxDelay(rc.MaxDelay),
		retry.WithJitter(rc.Jitter))
	if err != nil {
		return nil, err
	}
	return retry.NewExpressionStrategy(rc.When, m)
}

// resolveDSN places relative pebble directories under the data dir.
func resolveDSN(cfg cfgpkg.Config, dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme != embedded.Scheme || u.Host == "" {
		return dsn
	}
	resolved := embedded.Scheme + "://" + cfg.ResolveDir(u.Host+u.Path)
	if u.RawQuery != "" {
		resolved += "?" + u.RawQuery
	}
	return resolved
}

// Close closes every connection.
func (r *Runtime) Close() error {
	var errs []error
	for name, conn := range r.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.conns = map[string]transport.Connection{}
	return errors.Join(errs...)
}

// CheckHealth asks every transport for its message count.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	var errs []error
	for name, conn := range r.conns {
		if _, err := conn.MessageCount(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) unknown(name string) error {
	return fmt.Errorf("unknown transport %q, configured: %v", name, r.config.TransportNames())
}

// Sender returns the sender of a configured transport.
func (r *Runtime) Sender(name string) (*transport.Sender, error) {
	s, ok := r.senders[name]
	if !ok {
		return nil, r.unknown(name)
	}
	return s, nil
}

// Receiver returns the receiver of a configured transport.
func (r *Runtime) Receiver(name string) (*transport.Receiver, error) {
	rcv, ok := r.receivers[name]
	if !ok {
		return nil, r.unknown(name)
	}
	return rcv, nil
}

// Connection returns the instrumented connection of a transport.
func (r *Runtime) Connection(name string) (transport.Connection, error) {
	c, ok := r.conns[name]
	if !ok {
		return nil, r.unknown(name)
	}
	return c, nil
}

// NewWorker builds a worker over the named receivers, in priority order,
// wired to the failure listener and the event bus. Worker settings from the
// configuration come first so opts can override them.
func (r *Runtime) NewWorker(names []string, handler worker.Handler, opts ...worker.Option) (*worker.Worker, error) {
	receivers := make([]worker.Receiver, 0, len(names))
	for _, name := range names {
		rcv, err := r.Receiver(name)
		if err != nil {
			return nil, err
		}
		receivers = append(receivers, rcv)
	}
	wc := r.config.Worker
	base := []worker.Option{
		worker.WithListener(r.listener),
		worker.WithNotifier(r.bus),
		worker.WithLogger(r.logger),
		worker.WithKeepaliveInterval(wc.KeepaliveInterval),
		worker.WithIdleSleep(wc.IdleSleep),
		worker.WithMessageLimit(wc.MessageLimit),
	}
	return worker.New(receivers, handler, append(base, opts...)...), nil
}

// Serializer is shared by every sender and receiver. Register message types
// on it before sending or consuming them.
func (r *Runtime) Serializer() *transport.JSONSerializer { return r.serializer }

// Bus receives every worker and listener event.
func (r *Runtime) Bus() *event.Bus { return r.bus }

func (r *Runtime) Listener() *listener.RetryListener { return r.listener }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
