package beanstalkd

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/rzbill/courier/internal/transport"
)

// Scheme is the DSN scheme handled by this package.
const Scheme = "beanstalkd"

const (
	// DefaultPort is the standard beanstalkd port.
	DefaultPort = 11300
	// DefaultPriority is used when no priority is given on send or bury.
	DefaultPriority uint32 = 1024
)

// Options are the connection options accepted in the DSN query and the
// options map.
type Options struct {
	// TubeName is the tube used for put, reserve and stats.
	TubeName string `option:"tube_name"`
	// Timeout is the reservation timeout in seconds.
	Timeout int `option:"timeout"`
	// TTR is the time-to-run in seconds before a reserved job is released.
	TTR int `option:"ttr"`
	// BuryOnReject buries rejected jobs instead of deleting them.
	BuryOnReject bool `option:"bury_on_reject"`
}

// DefaultOptions returns the built-in option values.
func DefaultOptions() Options {
	return Options{TubeName: "default", Timeout: 0, TTR: 90, BuryOnReject: false}
}

// Config is a parsed DSN.
type Config struct {
	Addr    string
	Options Options
}

// ParseDSN parses beanstalkd://host[:port][?query] and merges opts and query
// parameters over the defaults.
func ParseDSN(dsn string, opts map[string]interface{}) (Config, error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme != Scheme || u.Hostname() == "" {
		return Config{}, transport.ConfigErrorf("The given Beanstalkd DSN is invalid.")
	}
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}
	cfg := Config{Addr: net.JoinHostPort(u.Hostname(), port), Options: DefaultOptions()}
	if err := transport.DecodeOptions(&cfg.Options, u.Query(), opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Connection is a transport.Connection over one beanstalkd tube.
type Connection struct {
	client Client
	opts   Options
}

var _ transport.Connection = (*Connection)(nil)

// New builds a connection over an established client.
func New(client Client, opts Options) *Connection {
	return &Connection{client: client, opts: opts}
}

// FromDSN parses dsn and dials the server.
func FromDSN(dsn string, opts map[string]interface{}) (*Connection, error) {
	cfg, err := ParseDSN(dsn, opts)
	if err != nil {
		return nil, err
	}
	client, err := Dial(cfg.Addr)
	if err != nil {
		return nil, transport.WrapError(err)
	}
	return New(client, cfg.Options), nil
}

// Options returns the effective options.
func (c *Connection) Options() Options { return c.opts }

func (c *Connection) ttr() time.Duration { return time.Duration(c.opts.TTR) * time.Second }

// Send puts body and headers as a JSON document. The delay is truncated to
// whole seconds, the protocol's resolution.
func (c *Connection) Send(_ context.Context, body string, headers map[string]string, opts ...transport.SendOption) (string, error) {
	o := transport.ApplySendOptions(opts)
	data, err := transport.EncodeWire(body, headers)
	if err != nil {
		return "", err
	}
	priority := DefaultPriority
	if o.Priority != nil {
		priority = *o.Priority
	}
	delay := time.Duration(o.Delay.Milliseconds()/1000) * time.Second
	id, err := c.client.Put(c.opts.TubeName, data, priority, delay, c.ttr())
	if err != nil {
		return "", transport.WrapError(err)
	}
	return strconv.FormatUint(id, 10), nil
}

func (c *Connection) Receive(ctx context.Context) (*transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	job, err := c.client.Reserve(c.opts.TubeName, time.Duration(c.opts.Timeout)*time.Second)
	if err != nil {
		return nil, transport.WrapError(err)
	}
	if job == nil {
		return nil, nil
	}
	id := strconv.FormatUint(job.ID, 10)
	body, headers, err := transport.DecodeWire(job.Body)
	if err != nil {
		return nil, &transport.MessageDecodingError{ID: id, Err: err}
	}
	return &transport.Message{ID: id, Body: body, Headers: headers}, nil
}

func (c *Connection) Ack(_ context.Context, id string) error {
	jobID, err := parseID(id)
	if err != nil {
		return err
	}
	return transport.WrapError(c.client.Delete(jobID))
}

// Reject buries the job when bury_on_reject is set and the call is not
// forced; otherwise it deletes the job.
func (c *Connection) Reject(_ context.Context, id string, opts ...transport.RejectOption) error {
	o := transport.ApplyRejectOptions(opts)
	jobID, err := parseID(id)
	if err != nil {
		return err
	}
	if c.opts.BuryOnReject && !o.ForceDelete {
		priority := DefaultPriority
		if o.Priority != nil {
			priority = *o.Priority
		}
		return transport.WrapError(c.client.Bury(jobID, priority))
	}
	return transport.WrapError(c.client.Delete(jobID))
}

// Keepalive touches the job. An interval longer than ttr is refused before
// the server is contacted.
func (c *Connection) Keepalive(_ context.Context, id string, interval time.Duration) error {
	if interval > 0 && interval > c.ttr() {
		return transport.TransportErrorf("Beanstalkd ttr (%ds) cannot be smaller than the keepalive interval (%ds).",
			c.opts.TTR, int64(interval/time.Second))
	}
	jobID, err := parseID(id)
	if err != nil {
		return err
	}
	return transport.WrapError(c.client.Touch(jobID))
}

// MessageCount reports current-jobs-ready of the tube.
func (c *Connection) MessageCount(_ context.Context) (int, error) {
	stats, err := c.client.TubeStats(c.opts.TubeName)
	if err != nil {
		return 0, transport.WrapError(err)
	}
	return statInt(stats, "current-jobs-ready")
}

// MessagePriority reports the pri field of the job stats.
func (c *Connection) MessagePriority(_ context.Context, id string) (int, error) {
	jobID, err := parseID(id)
	if err != nil {
		return 0, err
	}
	stats, err := c.client.JobStats(jobID)
	if err != nil {
		return 0, transport.WrapError(err)
	}
	return statInt(stats, "pri")
}

func (c *Connection) Close() error { return c.client.Close() }

func parseID(id string) (uint64, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, &transport.TransportError{Msg: "invalid beanstalkd job id " + strconv.Quote(id), Err: err}
	}
	return n, nil
}

func statInt(stats map[string]string, key string) (int, error) {
	v, ok := stats[key]
	if !ok {
		return 0, transport.TransportErrorf("beanstalkd stats missing %q", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, transport.WrapError(err)
	}
	return n, nil
}
