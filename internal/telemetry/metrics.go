package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across the bridge's HTTP
// transport.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tavilybridge",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var KeyPoolRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tavilybridge",
		Subsystem: "keypool",
		Name:      "refresh_total",
		Help:      "Total number of upstream key credit refresh attempts, by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

var KeyPoolSelectionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tavilybridge",
		Subsystem: "keypool",
		Name:      "selection_total",
		Help:      "Total number of key selection attempts, by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

var KeyPoolEligibleKeys = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tavilybridge",
		Subsystem: "keypool",
		Name:      "eligible_keys",
		Help:      "Number of currently eligible upstream keys, by provider.",
	},
	[]string{"provider"},
)

var RateGateWaitDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tavilybridge",
		Subsystem: "rategate",
		Name:      "wait_duration_seconds",
		Help:      "Time a call spent waiting for its turn at the rate gate.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"provider"},
)

var RateGateTimeoutTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tavilybridge",
		Subsystem: "rategate",
		Name:      "timeout_total",
		Help:      "Total number of calls that exceeded the rate gate's max wait.",
	},
	[]string{"provider"},
)

var UpstreamCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tavilybridge",
		Subsystem: "upstream",
		Name:      "call_duration_seconds",
		Help:      "Upstream provider call duration in seconds, including retries.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"provider", "outcome"},
)

var UpstreamRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tavilybridge",
		Subsystem: "upstream",
		Name:      "retry_total",
		Help:      "Total number of upstream call retries, by provider and reason.",
	},
	[]string{"provider", "reason"},
)

var UsageLogRowsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tavilybridge",
		Subsystem: "usagelog",
		Name:      "rows_total",
		Help:      "Total number of usage log rows, by disposition.",
	},
	[]string{"disposition"}, // written, dropped_buffer_full, sampled_out
)

// All returns the bridge-specific metrics for registration, in addition to
// HTTPRequestDuration which NewMetricsRegistry always registers.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		KeyPoolRefreshTotal,
		KeyPoolSelectionTotal,
		KeyPoolEligibleKeys,
		RateGateWaitDuration,
		RateGateTimeoutTotal,
		UpstreamCallDuration,
		UpstreamRetryTotal,
		UsageLogRowsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
