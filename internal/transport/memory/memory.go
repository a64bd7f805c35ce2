// Package memory implements an in-process transport. Messages live in a
// slice guarded by a mutex; nothing survives a restart. It backs tests and
// local dry runs (`in-memory://`).
package memory

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rzbill/courier/internal/transport"
)

// Scheme is the DSN scheme handled by this package.
const Scheme = "in-memory"

// DefaultPriority is used when Send is called without a priority.
const DefaultPriority uint32 = 1024

type options struct {
	Priority int `option:"priority"`
}

type job struct {
	msg         transport.Message
	priority    uint32
	availableAt time.Time
	seq         uint64
}

// Connection is an in-memory transport.Connection.
type Connection struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      uint64
	priority uint32
	ready    []*job
	inflight map[string]*job

	sent     []transport.Message
	acked    []transport.Message
	rejected []transport.Message
}

var _ transport.Connection = (*Connection)(nil)

// New returns an empty in-memory connection.
func New() *Connection {
	return &Connection{now: time.Now, priority: DefaultPriority, inflight: map[string]*job{}}
}

// FromDSN accepts `in-memory://` with an optional default priority.
func FromDSN(dsn string, opts map[string]interface{}) (*Connection, error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme != Scheme {
		return nil, transport.ConfigErrorf("The given in-memory DSN is invalid.")
	}
	cfg := options{Priority: int(DefaultPriority)}
	if err := transport.DecodeOptions(&cfg, u.Query(), opts); err != nil {
		return nil, err
	}
	c := New()
	c.priority = uint32(cfg.Priority)
	return c, nil
}

// SetClock replaces the time source used for delays.
func (c *Connection) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Connection) Send(_ context.Context, body string, headers map[string]string, opts ...transport.SendOption) (string, error) {
	o := transport.ApplySendOptions(opts)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := strconv.FormatUint(c.seq, 10)
	prio := c.priority
	if o.Priority != nil {
		prio = *o.Priority
	}
	msg := transport.Message{ID: id, Body: body, Headers: copyHeaders(headers)}
	c.ready = append(c.ready, &job{msg: msg, priority: prio, availableAt: c.now().Add(o.Delay), seq: c.seq})
	c.sent = append(c.sent, msg)
	return id, nil
}

func (c *Connection) Receive(_ context.Context) (*transport.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	sort.SliceStable(c.ready, func(i, j int) bool {
		if c.ready[i].priority != c.ready[j].priority {
			return c.ready[i].priority < c.ready[j].priority
		}
		return c.ready[i].seq < c.ready[j].seq
	})
	for i, j := range c.ready {
		if j.availableAt.After(now) {
			continue
		}
		c.ready = append(c.ready[:i], c.ready[i+1:]...)
		c.inflight[j.msg.ID] = j
		msg := j.msg
		msg.Headers = copyHeaders(j.msg.Headers)
		return &msg, nil
	}
	return nil, nil
}

func (c *Connection) Ack(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.inflight[id]
	if !ok {
		return transport.TransportErrorf("job %s is not reserved", id)
	}
	delete(c.inflight, id)
	c.acked = append(c.acked, j.msg)
	return nil
}

func (c *Connection) Reject(_ context.Context, id string, _ ...transport.RejectOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.inflight[id]
	if !ok {
		return transport.TransportErrorf("job %s is not reserved", id)
	}
	delete(c.inflight, id)
	c.rejected = append(c.rejected, j.msg)
	return nil
}

func (c *Connection) Keepalive(_ context.Context, id string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; !ok {
		return transport.TransportErrorf("job %s is not reserved", id)
	}
	return nil
}

func (c *Connection) MessageCount(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ready), nil
}

func (c *Connection) MessagePriority(_ context.Context, id string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.inflight[id]; ok {
		return int(j.priority), nil
	}
	for _, j := range c.ready {
		if j.msg.ID == id {
			return int(j.priority), nil
		}
	}
	return 0, transport.TransportErrorf("job %s not found", id)
}

func (c *Connection) Close() error { return nil }

// Sent returns every message accepted by Send, in order.
func (c *Connection) Sent() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.sent...)
}

// Acked returns every acknowledged message, in order.
func (c *Connection) Acked() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.acked...)
}

// Rejected returns every rejected message, in order.
func (c *Connection) Rejected() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.rejected...)
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
