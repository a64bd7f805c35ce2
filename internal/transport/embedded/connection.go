package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/internal/transport"
	"github.com/rzbill/courier/internal/workqueue"
)

// Scheme is the DSN scheme handled by this package.
const Scheme = "pebble"

// DefaultPriority is used when no priority is given on send or bury. Lower
// values are delivered first.
const DefaultPriority uint32 = 1024

const pollInterval = 100 * time.Millisecond

// Options are the connection options accepted in the DSN query and the
// options map.
type Options struct {
	Queue     string `option:"queue"`
	Namespace string `option:"namespace"`
	// Timeout is how long Receive waits for a message, in seconds. Zero
	// returns immediately.
	Timeout int `option:"timeout"`
	// TTR is the lease in seconds after which an unacknowledged message is
	// delivered again.
	TTR          int    `option:"ttr"`
	BuryOnReject bool   `option:"bury_on_reject"`
	Fsync        string `option:"fsync"`
}

// DefaultOptions returns the built-in option values.
func DefaultOptions() Options {
	return Options{Queue: "default", Namespace: "default", TTR: 90, Fsync: "interval"}
}

// Config is a parsed DSN.
type Config struct {
	Dir     string
	Options Options
}

// ParseDSN parses pebble:///path/to/dir[?query]. A host part is read as the
// start of a relative path, so pebble://data/jobs opens ./data/jobs.
func ParseDSN(dsn string, opts map[string]interface{}) (Config, error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme != Scheme || u.Host+u.Path == "" {
		return Config{}, transport.ConfigErrorf("The given Pebble DSN is invalid.")
	}
	cfg := Config{Dir: filepath.Clean(u.Host + u.Path), Options: DefaultOptions()}
	if err := transport.DecodeOptions(&cfg.Options, u.Query(), opts); err != nil {
		return Config{}, err
	}
	if _, err := pebblestore.ParseFsyncMode(cfg.Options.Fsync); err != nil {
		return Config{}, &transport.ConfigError{Msg: err.Error(), Err: err}
	}
	return cfg, nil
}

// Connection is a transport.Connection over one pebble-backed work queue.
type Connection struct {
	q       *workqueue.WorkQueue
	opts    Options
	release func() error
	now     func() time.Time
}

var _ transport.Connection = (*Connection)(nil)

// New builds a connection over an open queue. release is called by Close.
func New(q *workqueue.WorkQueue, opts Options, release func() error) *Connection {
	if release == nil {
		release = func() error { return nil }
	}
	return &Connection{q: q, opts: opts, release: release, now: time.Now}
}

// FromDSN parses dsn and opens the queue, sharing the database with other
// connections of this process on the same directory.
func FromDSN(dsn string, opts map[string]interface{}) (*Connection, error) {
	cfg, err := ParseDSN(dsn, opts)
	if err != nil {
		return nil, err
	}
	mode, _ := pebblestore.ParseFsyncMode(cfg.Options.Fsync)
	db, release, err := openShared(cfg.Dir, mode)
	if err != nil {
		return nil, transport.WrapError(err)
	}
	q, err := workqueue.OpenQueue(db, cfg.Options.Namespace, cfg.Options.Queue)
	if err != nil {
		_ = release()
		return nil, transport.WrapError(err)
	}
	return New(q, cfg.Options, release), nil
}

// Options returns the effective options.
func (c *Connection) Options() Options { return c.opts }

func (c *Connection) ttr() time.Duration { return time.Duration(c.opts.TTR) * time.Second }

func (c *Connection) nowMs() int64 { return c.now().UnixMilli() }

// Send enqueues body with headers stored as the record header.
func (c *Connection) Send(ctx context.Context, body string, headers map[string]string, opts ...transport.SendOption) (string, error) {
	o := transport.ApplySendOptions(opts)
	if headers == nil {
		headers = map[string]string{}
	}
	header, err := json.Marshal(headers)
	if err != nil {
		return "", transport.WrapError(err)
	}
	priority := DefaultPriority
	if o.Priority != nil {
		priority = *o.Priority
	}
	seq, err := c.q.Enqueue(ctx, header, []byte(body), priority, o.Delay.Milliseconds(), c.nowMs())
	if err != nil {
		return "", transport.WrapError(err)
	}
	return strconv.FormatUint(seq, 10), nil
}

// Receive reclaims expired leases and leases the next ready message for ttr.
// With a timeout it waits for an enqueue, polling for delayed messages that
// fall due in the meantime.
func (c *Connection) Receive(ctx context.Context) (*transport.Message, error) {
	deadline := c.now().Add(time.Duration(c.opts.Timeout) * time.Second)
	for {
		if _, err := c.q.ReclaimExpired(ctx, c.nowMs(), 0); err != nil {
			return nil, transport.WrapError(err)
		}
		msgs, err := c.q.Dequeue(ctx, 1, c.ttr().Milliseconds(), c.nowMs())
		if err != nil {
			return nil, transport.WrapError(err)
		}
		if len(msgs) > 0 {
			return decode(msgs[0])
		}
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.q.WaitForEnqueue(ctx, min(remaining, pollInterval))
	}
}

func decode(m workqueue.LeasedMessage) (*transport.Message, error) {
	id := strconv.FormatUint(m.Seq, 10)
	headers := map[string]string{}
	if len(m.Header) > 0 {
		if err := json.Unmarshal(m.Header, &headers); err != nil {
			return nil, &transport.MessageDecodingError{ID: id, Err: err}
		}
	}
	return &transport.Message{ID: id, Body: string(m.Payload), Headers: headers}, nil
}

func (c *Connection) Ack(ctx context.Context, id string) error {
	seq, err := parseID(id)
	if err != nil {
		return err
	}
	return wrapQueueError(c.q.Complete(ctx, seq), id)
}

// Reject buries the message when bury_on_reject is set and the call is not
// forced; otherwise it deletes it.
func (c *Connection) Reject(ctx context.Context, id string, opts ...transport.RejectOption) error {
	o := transport.ApplyRejectOptions(opts)
	seq, err := parseID(id)
	if err != nil {
		return err
	}
	if c.opts.BuryOnReject && !o.ForceDelete {
		priority := DefaultPriority
		if o.Priority != nil {
			priority = *o.Priority
		}
		return wrapQueueError(c.q.Bury(ctx, seq, priority), id)
	}
	return wrapQueueError(c.q.Complete(ctx, seq), id)
}

// Keepalive extends the lease by ttr. An interval longer than ttr is refused.
func (c *Connection) Keepalive(ctx context.Context, id string, interval time.Duration) error {
	if interval > 0 && interval > c.ttr() {
		return transport.TransportErrorf("Pebble ttr (%ds) cannot be smaller than the keepalive interval (%ds).",
			c.opts.TTR, int64(interval/time.Second))
	}
	seq, err := parseID(id)
	if err != nil {
		return err
	}
	return wrapQueueError(c.q.ExtendLease(ctx, seq, c.ttr().Milliseconds(), c.nowMs()), id)
}

// MessageCount reports messages ready for delivery.
func (c *Connection) MessageCount(ctx context.Context) (int, error) {
	n, err := c.q.ReadyCount(ctx, c.nowMs())
	return n, transport.WrapError(err)
}

// BuriedCount reports messages parked by bury_on_reject.
func (c *Connection) BuriedCount(context.Context) (int, error) {
	n, err := c.q.BuriedCount()
	return n, transport.WrapError(err)
}

func (c *Connection) MessagePriority(_ context.Context, id string) (int, error) {
	seq, err := parseID(id)
	if err != nil {
		return 0, err
	}
	p, err := c.q.Priority(seq)
	if err != nil {
		return 0, wrapQueueError(err, id)
	}
	return int(p), nil
}

func (c *Connection) Close() error { return c.release() }

func parseID(id string) (uint64, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, &transport.TransportError{Msg: "invalid pebble message id " + strconv.Quote(id), Err: err}
	}
	return n, nil
}

func wrapQueueError(err error, id string) error {
	if errors.Is(err, workqueue.ErrNotFound) || errors.Is(err, workqueue.ErrNotLeased) {
		return &transport.TransportError{Msg: err.Error() + ": " + id, Err: err}
	}
	return transport.WrapError(err)
}

// pebble holds an exclusive lock on its directory, so connections of one
// process on the same directory share a handle.
var (
	sharedMu  sync.Mutex
	sharedDBs = map[string]*sharedDB{}
)

type sharedDB struct {
	db   *pebblestore.DB
	refs int
}

func openShared(dir string, mode pebblestore.FsyncMode) (*pebblestore.DB, func() error, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, err
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()

	s, ok := sharedDBs[abs]
	if !ok {
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir: abs,
			Fsync:   mode,
			Metrics: pebblestore.NewPrometheusMetrics(abs),
		})
		if err != nil {
			return nil, nil, err
		}
		s = &sharedDB{db: db}
		sharedDBs[abs] = s
	}
	s.refs++

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			sharedMu.Lock()
			defer sharedMu.Unlock()
			s.refs--
			if s.refs == 0 {
				delete(sharedDBs, abs)
				err = s.db.Close()
			}
		})
		return err
	}
	return s.db, release, nil
}
