package pebblestore

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics is a MetricsHook exporting latency and size histograms
// labelled by store name.
type PrometheusMetrics struct {
	latency *prometheus.HistogramVec
	bytes   *prometheus.HistogramVec
	ops     *prometheus.HistogramVec
	store   string
}

type storeCollectors struct {
	latency *prometheus.HistogramVec
	bytes   *prometheus.HistogramVec
	ops     *prometheus.HistogramVec
}

var collectors = sync.OnceValue(func() *storeCollectors {
	return &storeCollectors{
		latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "storage",
			Name:      "operation_latency_seconds",
			Help:      "Latency of pebble reads and batch commits.",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"store", "op"}),
		bytes: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "storage",
			Name:      "operation_bytes",
			Help:      "Bytes read or committed per operation.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"store", "op"}),
		ops: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "courier",
			Subsystem: "storage",
			Name:      "batch_operations",
			Help:      "Number of operations per committed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"store"}),
	}
})

// NewPrometheusMetrics returns a hook reporting under the given store label.
func NewPrometheusMetrics(store string) *PrometheusMetrics {
	c := collectors()
	return &PrometheusMetrics{latency: c.latency, bytes: c.bytes, ops: c.ops, store: store}
}

func (m *PrometheusMetrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.latency.WithLabelValues(m.store, "read").Observe(elapsed.Seconds())
	m.bytes.WithLabelValues(m.store, "read").Observe(float64(bytes))
}

func (m *PrometheusMetrics) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	m.latency.WithLabelValues(m.store, "commit").Observe(elapsed.Seconds())
	m.bytes.WithLabelValues(m.store, "commit").Observe(float64(bytes))
	m.ops.WithLabelValues(m.store).Observe(float64(numOps))
}
