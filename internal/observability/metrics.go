package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the debug tracer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TracedRequests      *prometheus.CounterVec
	PersistFailures     prometheus.Counter
	TraceBytes          prometheus.Histogram
	Reductions          *prometheus.CounterVec
	KVOperationDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TracedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvtrace_traced_requests_total",
				Help: "Requests captured by the debug tracer",
			},
			[]string{"outcome"},
		),
		PersistFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kvtrace_trace_persist_failures_total",
				Help: "Traces that could not be written to the KV store",
			},
		),
		TraceBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kvtrace_trace_bytes",
				Help:    "Serialized size of persisted traces",
				Buckets: []float64{1024, 4096, 16384, 32768, 49152, 61440, 65536},
			},
		),
		Reductions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvtrace_trace_reductions_total",
				Help: "Reduction steps applied to oversized traces",
			},
			[]string{"step"},
		),
		KVOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvtrace_kv_operation_duration_seconds",
				Help:    "Duration of traced KV operations",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation", "outcome"},
		),
	}
}

// RecordKVOperation observes one traced storage call
func (m *Metrics) RecordKVOperation(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.KVOperationDuration.WithLabelValues(operation, outcome(err)).Observe(d.Seconds())
}

// RecordTrace counts a captured request and the size of its persisted trace
func (m *Metrics) RecordTrace(failed bool, size int, steps []string) {
	if m == nil {
		return
	}
	result := "succeeded"
	if failed {
		result = "failed"
	}
	m.TracedRequests.WithLabelValues(result).Inc()
	m.TraceBytes.Observe(float64(size))
	for _, step := range steps {
		m.Reductions.WithLabelValues(step).Inc()
	}
}

// RecordPersistFailure counts a trace write that failed
func (m *Metrics) RecordPersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
