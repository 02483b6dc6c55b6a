// Package metrics exports engine activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bundled"

// Recorder counts envelopes and entries. It owns its registry so several
// recorders can coexist in one process (tests, multiple servers).
type Recorder struct {
	registry  *prometheus.Registry
	envelopes *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	entries   *prometheus.CounterVec
}

// New creates a recorder with a fresh registry. When withRuntime is true
// the Go runtime and process collectors are registered too.
func New(withRuntime bool) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Envelopes processed, by mode and result.",
		}, []string{"mode", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "envelope_duration_seconds",
			Help:      "Time spent processing one envelope.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"mode"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_total",
			Help:      "Entries executed, by operation and response status.",
		}, []string{"operation", "status"}),
	}
	r.registry.MustRegister(r.envelopes, r.duration, r.entries)
	if withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// ObserveEnvelope records one processed envelope.
func (r *Recorder) ObserveEnvelope(mode, result string, d time.Duration) {
	r.envelopes.WithLabelValues(mode, result).Inc()
	r.duration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveEntry records one executed entry.
func (r *Recorder) ObserveEntry(operation string, status int) {
	r.entries.WithLabelValues(operation, strconv.Itoa(status)).Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
