package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rzbill/courier/internal/transport"
)

// Schemes handled by this package. rediss enables TLS.
const (
	Scheme    = "redis"
	TLSScheme = "rediss"
)

const defaultPort = 6379

// Options are the connection options accepted in the DSN query and the
// options map. Path segments /stream/group/consumer of the DSN fill the
// first three unless set explicitly.
type Options struct {
	Stream            string `option:"stream"`
	Group             string `option:"group"`
	Consumer          string `option:"consumer"`
	AutoSetup         bool   `option:"auto_setup"`
	DeleteAfterAck    bool   `option:"delete_after_ack"`
	DeleteAfterReject bool   `option:"delete_after_reject"`
	// StreamMaxEntries caps the stream with an approximate MAXLEN; 0 disables.
	StreamMaxEntries int `option:"stream_max_entries"`
	DBIndex          int `option:"dbindex"`
	// RedeliverTimeout is the idle time in seconds after which a pending
	// entry of another consumer may be claimed.
	RedeliverTimeout int `option:"redeliver_timeout"`
	// ClaimInterval is the minimum time in milliseconds between two scans for
	// abandoned entries.
	ClaimInterval int `option:"claim_interval"`
	// BlockTimeout is the XREADGROUP block time in milliseconds.
	BlockTimeout   int    `option:"block_timeout"`
	Auth           string `option:"auth"`
	TLS            bool   `option:"tls"`
	SentinelMaster string `option:"sentinel_master"`
	Cluster        bool   `option:"cluster"`
}

// DefaultOptions returns the built-in option values.
func DefaultOptions() Options {
	return Options{
		Stream:            "messages",
		Group:             "courier",
		Consumer:          "consumer",
		AutoSetup:         true,
		DeleteAfterAck:    true,
		DeleteAfterReject: true,
		RedeliverTimeout:  3600,
		ClaimInterval:     60000,
		BlockTimeout:      1,
	}
}

// Config is a parsed DSN.
type Config struct {
	// Addr is host:port, or the socket path when Network is "unix".
	Addr     string
	Network  string
	Username string
	Password string
	Options  Options
}

// ParseDSN parses redis[s]://[user[:password]@]host[:port][/stream[/group[/consumer]]][?query]
// or redis://[auth@]/path/to/redis.sock. Precedence: opts, then path
// segments, then query parameters, then defaults.
func ParseDSN(dsn string, opts map[string]interface{}) (Config, error) {
	invalid := transport.ConfigErrorf("The given Redis DSN is invalid.")
	u, err := url.Parse(dsn)
	if err != nil || (u.Scheme != Scheme && u.Scheme != TLSScheme) {
		return Config{}, invalid
	}

	cfg := Config{Network: "tcp", Options: DefaultOptions()}
	layered := map[string]interface{}{}

	switch {
	case u.Host != "":
		port := u.Port()
		if port == "" {
			port = strconv.Itoa(defaultPort)
		}
		cfg.Addr = net.JoinHostPort(u.Hostname(), port)
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i, key := range []string{"stream", "group", "consumer"} {
			if i < len(segments) && segments[i] != "" {
				layered[key] = segments[i]
			}
		}
	case u.Path != "":
		cfg.Network = "unix"
		cfg.Addr = u.Path
	default:
		return Config{}, invalid
	}

	for k, v := range opts {
		layered[k] = v
	}
	if err := transport.DecodeOptions(&cfg.Options, u.Query(), layered); err != nil {
		return Config{}, err
	}
	if u.Scheme == TLSScheme {
		cfg.Options.TLS = true
	}

	cfg.Username, cfg.Password = dsnAuth(u.User)
	if cfg.Options.Auth != "" {
		cfg.Username, cfg.Password = "", cfg.Options.Auth
	}
	return cfg, nil
}

// dsnAuth maps the DSN user info to credentials: "user:password" gives both,
// a lone user or ":password" is taken as the password, and an empty
// password means no auth.
func dsnAuth(info *url.Userinfo) (string, string) {
	if info == nil {
		return "", ""
	}
	user := info.Username()
	pass, hasPass := info.Password()
	switch {
	case user != "" && hasPass && pass != "":
		return user, pass
	case hasPass && pass != "":
		return "", pass
	case user != "":
		return "", user
	default:
		return "", ""
	}
}

// NewUniversalClient builds the go-redis client described by cfg.
func NewUniversalClient(cfg Config) goredis.UniversalClient {
	var tlsConfig *tls.Config
	if cfg.Options.TLS {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host = cfg.Addr
		}
		tlsConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	switch {
	case cfg.Network == "unix":
		return goredis.NewClient(&goredis.Options{
			Network:  "unix",
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.Options.DBIndex,
		})
	case cfg.Options.Cluster:
		return goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:     []string{cfg.Addr},
			Username:  cfg.Username,
			Password:  cfg.Password,
			TLSConfig: tlsConfig,
		})
	default:
		return goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:      []string{cfg.Addr},
			MasterName: cfg.Options.SentinelMaster,
			Username:   cfg.Username,
			Password:   cfg.Password,
			DB:         cfg.Options.DBIndex,
			TLSConfig:  tlsConfig,
		})
	}
}

// Connection is a transport.Connection over a Redis stream consumed through
// a consumer group. Delayed messages wait in a sorted set named
// "<stream>__queue" until they are due.
type Connection struct {
	client   streamClient
	opts     Options
	delayKey string
	now      func() time.Time
	newID    func() string

	setupMu sync.Mutex
	setup   bool

	// receive state
	mu               sync.Mutex
	couldHavePending bool
	nextClaim        time.Time
}

var _ transport.Connection = (*Connection)(nil)

func newConnection(client streamClient, opts Options) *Connection {
	return &Connection{
		client:           client,
		opts:             opts,
		delayKey:         opts.Stream + "__queue",
		now:              time.Now,
		newID:            func() string { return uuid.NewString() },
		couldHavePending: true,
	}
}

// FromDSN parses dsn, connects and authenticates.
func FromDSN(ctx context.Context, dsn string, opts map[string]interface{}) (*Connection, error) {
	cfg, err := ParseDSN(dsn, opts)
	if err != nil {
		return nil, err
	}
	rdb := NewUniversalClient(cfg)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, &transport.ConfigError{Msg: fmt.Sprintf("Redis connection failed: %v", err), Err: err}
	}
	return New(rdb, cfg.Options), nil
}

// New wraps an existing go-redis client.
func New(rdb goredis.UniversalClient, opts Options) *Connection {
	return newConnection(newGoRedisClient(rdb), opts)
}

// Options returns the effective options.
func (c *Connection) Options() Options { return c.opts }

func (c *Connection) redeliverTimeout() time.Duration {
	return time.Duration(c.opts.RedeliverTimeout) * time.Second
}

// Setup creates the stream and consumer group. It refuses to run with
// delete_after_ack or delete_after_reject when other groups read the same
// stream, since deleting would remove entries they have not seen yet.
func (c *Connection) Setup(ctx context.Context) error {
	c.setupMu.Lock()
	defer c.setupMu.Unlock()
	if c.setup {
		return nil
	}
	if err := c.client.CreateGroup(ctx, c.opts.Stream, c.opts.Group); err != nil {
		return transport.WrapError(err)
	}
	if c.opts.DeleteAfterAck || c.opts.DeleteAfterReject {
		groups, err := c.client.Groups(ctx, c.opts.Stream)
		if err != nil {
			return transport.WrapError(err)
		}
		if len(groups) > 1 {
			return transport.TransportErrorf("More than one group exists for stream %q, delete_after_ack and delete_after_reject cannot be enabled as it risks deleting messages before all groups could consume them.", c.opts.Stream)
		}
	}
	c.setup = true
	return nil
}

func (c *Connection) autoSetup(ctx context.Context) error {
	if !c.opts.AutoSetup {
		return nil
	}
	return c.Setup(ctx)
}

type delayedMessage struct {
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
	UniqID  string            `json:"uniqid"`
}

// Send appends to the stream, or parks the message in the delay set when a
// delay is requested. Delayed sends return a generated id since the stream
// id is only known once the message is due.
func (c *Connection) Send(ctx context.Context, body string, headers map[string]string, opts ...transport.SendOption) (string, error) {
	if err := c.autoSetup(ctx); err != nil {
		return "", err
	}
	o := transport.ApplySendOptions(opts)
	if o.Delay > 0 {
		if headers == nil {
			headers = map[string]string{}
		}
		id := c.newID()
		member, err := json.Marshal(delayedMessage{Body: body, Headers: headers, UniqID: id})
		if err != nil {
			return "", transport.WrapError(err)
		}
		due := c.now().Add(o.Delay).UnixMilli()
		if err := c.client.DelayAdd(ctx, c.delayKey, string(member), due); err != nil {
			return "", transport.WrapError(err)
		}
		return id, nil
	}
	return c.add(ctx, body, headers)
}

func (c *Connection) add(ctx context.Context, body string, headers map[string]string) (string, error) {
	data, err := transport.EncodeWire(body, headers)
	if err != nil {
		return "", err
	}
	id, err := c.client.Add(ctx, c.opts.Stream, int64(c.opts.StreamMaxEntries), string(data))
	if err != nil {
		return "", transport.WrapError(err)
	}
	return id, nil
}

// Receive returns the next entry for this consumer: its own pending entries
// first, then entries claimed from consumers idle longer than
// redeliver_timeout, then new entries.
func (c *Connection) Receive(ctx context.Context) (*transport.Message, error) {
	if err := c.autoSetup(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if err := c.moveDueDelayed(ctx); err != nil {
			return nil, err
		}
		if !c.couldHavePending && !c.now().Before(c.nextClaim) {
			if err := c.claimAbandoned(ctx); err != nil {
				return nil, err
			}
		}

		id := ">"
		if c.couldHavePending {
			id = "0"
		}
		block := time.Duration(c.opts.BlockTimeout) * time.Millisecond
		e, err := c.client.ReadGroup(ctx, c.opts.Group, c.opts.Consumer, c.opts.Stream, id, block)
		if err != nil {
			return nil, transport.WrapError(err)
		}
		if e == nil {
			if c.couldHavePending {
				// nothing left in our pending list (or a claimed entry was
				// taken by someone else); fall through to fresh reads
				c.couldHavePending = false
				continue
			}
			return nil, nil
		}
		if !e.HasMessage {
			return nil, &transport.MessageDecodingError{ID: e.ID, Err: errors.New("stream entry has no message field")}
		}
		body, headers, err := transport.DecodeWire([]byte(e.Message))
		if err != nil {
			return nil, &transport.MessageDecodingError{ID: e.ID, Err: err}
		}
		return &transport.Message{ID: e.ID, Body: body, Headers: headers}, nil
	}
}

// claimAbandoned looks at the oldest pending entry of the group. If it is
// ours we go back to reading our pending list; if another consumer has left
// it idle for at least redeliver_timeout we claim it.
func (c *Connection) claimAbandoned(ctx context.Context) error {
	p, err := c.client.OldestPending(ctx, c.opts.Stream, c.opts.Group)
	if err != nil {
		return transport.WrapError(err)
	}
	if p != nil {
		if p.Consumer == c.opts.Consumer {
			c.couldHavePending = true
			return nil
		}
		if p.Idle >= c.redeliverTimeout() {
			if _, err := c.client.ClaimJustID(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, c.redeliverTimeout(), p.ID); err != nil {
				return transport.WrapError(err)
			}
			c.couldHavePending = true
		}
	}
	c.nextClaim = c.now().Add(time.Duration(c.opts.ClaimInterval) * time.Millisecond)
	return nil
}

// moveDueDelayed appends every due delayed message to the stream. A member
// popped before it is due, because another consumer raced us, is put back.
func (c *Connection) moveDueDelayed(ctx context.Context) error {
	nowMs := c.now().UnixMilli()
	due, err := c.client.DelayCountDue(ctx, c.delayKey, nowMs)
	if err != nil {
		return transport.WrapError(err)
	}
	for ; due > 0; due-- {
		member, dueMs, ok, err := c.client.DelayPopMin(ctx, c.delayKey)
		if err != nil {
			return transport.WrapError(err)
		}
		if !ok {
			return nil
		}
		if dueMs > nowMs {
			if err := c.client.DelayAdd(ctx, c.delayKey, member, dueMs); err != nil {
				return transport.WrapError(err)
			}
			return nil
		}
		var dm delayedMessage
		if err := json.Unmarshal([]byte(member), &dm); err != nil {
			// not ours; forward the raw member as the body
			dm = delayedMessage{Body: member}
		}
		if _, err := c.add(ctx, dm.Body, dm.Headers); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) Ack(ctx context.Context, id string) error {
	return transport.WrapError(c.client.AckDelete(ctx, c.opts.Stream, c.opts.Group, id, c.opts.DeleteAfterAck))
}

// Reject acknowledges the entry so it leaves the pending list. It is deleted
// when delete_after_reject is set or the call is forced; otherwise it stays
// in the stream as a record. Priorities are not supported by streams.
func (c *Connection) Reject(ctx context.Context, id string, opts ...transport.RejectOption) error {
	o := transport.ApplyRejectOptions(opts)
	del := c.opts.DeleteAfterReject || o.ForceDelete
	return transport.WrapError(c.client.AckDelete(ctx, c.opts.Stream, c.opts.Group, id, del))
}

// Keepalive resets the idle time of the entry by claiming it for ourselves.
// An interval longer than redeliver_timeout is refused locally.
func (c *Connection) Keepalive(ctx context.Context, id string, interval time.Duration) error {
	if interval > 0 && c.redeliverTimeout() < interval {
		return transport.TransportErrorf("Redis redeliver_timeout (%ds) cannot be smaller than the keepalive interval (%ds).",
			c.opts.RedeliverTimeout, int64(interval/time.Second))
	}
	_, err := c.client.ClaimJustID(ctx, c.opts.Stream, c.opts.Group, c.opts.Consumer, 0, id)
	return transport.WrapError(err)
}

// MessageCount reports the group's lag: entries not yet delivered to it.
func (c *Connection) MessageCount(ctx context.Context) (int, error) {
	groups, err := c.client.Groups(ctx, c.opts.Stream)
	if err != nil {
		return 0, transport.WrapError(err)
	}
	for _, g := range groups {
		if g.Name == c.opts.Group {
			return int(g.Lag), nil
		}
	}
	return 0, nil
}

// MessagePriority is not supported by Redis streams.
func (c *Connection) MessagePriority(context.Context, string) (int, error) {
	return 0, &transport.TransportError{Msg: "message priority is not supported by the redis transport", Err: errors.ErrUnsupported}
}

func (c *Connection) Close() error { return c.client.Close() }
