package transport

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	opsTotal  *prometheus.CounterVec
	opLatency *prometheus.HistogramVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		opsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "transport",
			Name:      "operations_total",
			Help:      "Total number of transport operations by result.",
		}, []string{"transport", "op", "result"}),
		opLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "transport",
			Name:      "operation_latency_seconds",
			Help:      "Latency distribution of transport operations.",
			Buckets: []float64{
				0.0005, 0.001, 0.005,
				0.01, 0.05, 0.1,
				0.5, 1, 5, 30,
			},
		}, []string{"transport", "op"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}

// Instrument wraps conn so every call is counted and timed under name.
func Instrument(name string, conn Connection) Connection {
	return &instrumented{name: name, inner: conn, m: getMetrics()}
}

type instrumented struct {
	name  string
	inner Connection
	m     *metrics
}

func (c *instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.m.opsTotal.WithLabelValues(c.name, op, result).Inc()
	c.m.opLatency.WithLabelValues(c.name, op).Observe(time.Since(start).Seconds())
}

func (c *instrumented) Send(ctx context.Context, body string, headers map[string]string, opts ...SendOption) (string, error) {
	start := time.Now()
	id, err := c.inner.Send(ctx, body, headers, opts...)
	c.observe("send", start, err)
	return id, err
}

func (c *instrumented) Receive(ctx context.Context) (*Message, error) {
	start := time.Now()
	msg, err := c.inner.Receive(ctx)
	op := "receive"
	if err == nil && msg == nil {
		op = "receive_empty"
	}
	c.observe(op, start, err)
	return msg, err
}

func (c *instrumented) Ack(ctx context.Context, id string) error {
	start := time.Now()
	err := c.inner.Ack(ctx, id)
	c.observe("ack", start, err)
	return err
}

func (c *instrumented) Reject(ctx context.Context, id string, opts ...RejectOption) error {
	start := time.Now()
	err := c.inner.Reject(ctx, id, opts...)
	c.observe("reject", start, err)
	return err
}

func (c *instrumented) Keepalive(ctx context.Context, id string, interval time.Duration) error {
	start := time.Now()
	err := c.inner.Keepalive(ctx, id, interval)
	c.observe("keepalive", start, err)
	return err
}

func (c *instrumented) MessageCount(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := c.inner.MessageCount(ctx)
	c.observe("message_count", start, err)
	return n, err
}

func (c *instrumented) MessagePriority(ctx context.Context, id string) (int, error) {
	start := time.Now()
	p, err := c.inner.MessagePriority(ctx, id)
	c.observe("message_priority", start, err)
	return p, err
}

func (c *instrumented) Close() error { return c.inner.Close() }
