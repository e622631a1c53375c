package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Gatherer prometheus.Gatherer

	received *prometheus.CounterVec
	flushed  *prometheus.CounterVec
	rejected *prometheus.CounterVec
	filtered *prometheus.CounterVec
	spooled  *prometheus.CounterVec
	replayed *prometheus.CounterVec
	failures *prometheus.CounterVec

	buffered      *prometheus.GaugeVec
	flushDuration *prometheus.HistogramVec
}

// New registers the collectors on a private registry so several servers can
// live in one process, e.g. in tests
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	counter := func(name string, help string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redongo",
			Name:      name,
			Help:      help,
		}, []string{"application"})
	}

	return &Metrics{
		Gatherer: registry,

		received: counter("records_received_total", "Records taken from the queue"),
		flushed:  counter("records_flushed_total", "Records written to MongoDB"),
		rejected: counter("records_rejected_total", "Records moved to the failed list"),
		filtered: counter("records_filtered_total", "Records dropped by an application filter"),
		spooled:  counter("records_spooled_total", "Records spilled to the disk spool"),
		replayed: counter("records_replayed_total", "Spooled records written to MongoDB"),
		failures: counter("flush_failures_total", "Bulk flushes that could not reach MongoDB"),

		buffered: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "redongo",
			Name:      "records_buffered",
			Help:      "Records held in memory awaiting a flush",
		}, []string{"application"}),
		flushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "redongo",
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing a bulk, including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"application"}),
	}
}

func (m *Metrics) Received(application string, n int) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(application).Add(float64(n))
}

func (m *Metrics) Flushed(application string, n int) {
	if m == nil {
		return
	}
	m.flushed.WithLabelValues(application).Add(float64(n))
}

func (m *Metrics) Rejected(application string, n int) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(application).Add(float64(n))
}

func (m *Metrics) Filtered(application string, n int) {
	if m == nil {
		return
	}
	m.filtered.WithLabelValues(application).Add(float64(n))
}

func (m *Metrics) Spooled(application string, n int) {
	if m == nil {
		return
	}
	m.spooled.WithLabelValues(application).Add(float64(n))
}

func (m *Metrics) Replayed(application string, n int) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(application).Add(float64(n))
}

func (m *Metrics) FlushFailed(application string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(application).Inc()
}

func (m *Metrics) Buffered(application string, n int) {
	if m == nil {
		return
	}
	m.buffered.WithLabelValues(application).Set(float64(n))
}

func (m *Metrics) FlushDuration(application string, d time.Duration) {
	if m == nil {
		return
	}
	m.flushDuration.WithLabelValues(application).Observe(d.Seconds())
}
