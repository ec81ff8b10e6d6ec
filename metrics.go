package pystemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors that cmd/pystemon registers at
// startup and that Pastie.Process, UserAgent.Get, ProxyList.Fail and
// Supervisor.QueueStats update as they run.
//
// Grounded on APTlantis-Mirror-Crates's internal/downloader/downloader.go,
// which registers Counter/Histogram/Gauge metrics directly on a package
// Registry and serves them over promhttp.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	PastiesTotal    *prometheus.CounterVec
	RetryExhausted  *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	ProxyFailures   *prometheus.CounterVec
}

// GlobalMetrics is the process-wide metrics sink, set once at startup by
// cmd/pystemon and read by Pastie.Process, UserAgent.Get and ProxyList.Fail.
// Left nil, every call site treats it as "metrics disabled" rather than
// panicking -- the same discipline as the package logger, which is also a
// justified process-wide singleton.
var GlobalMetrics *Metrics

// NewMetrics creates and registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pystemon",
			Name:      "site_queue_depth",
			Help:      "Number of pasties currently queued for a site.",
		}, []string{"site"}),
		PastiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pystemon",
			Name:      "pasties_processed_total",
			Help:      "Number of pasties processed, labelled by match outcome.",
		}, []string{"site", "matched"}),
		RetryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pystemon",
			Name:      "fetch_retry_exhausted_total",
			Help:      "Number of fetches abandoned after exhausting the retry budget.",
		}, []string{"site"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pystemon",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a successful paste body fetch.",
		}, []string{"site"}),
		ProxyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pystemon",
			Name:      "proxy_failures_total",
			Help:      "Number of recorded proxy failures.",
		}, []string{}),
	}

	reg.MustRegister(m.QueueDepth, m.PastiesTotal, m.RetryExhausted, m.FetchDuration, m.ProxyFailures)
	return m
}

// ObserveQueueDepths refreshes the per-site queue depth gauge from a live
// site map; intended to be called periodically (e.g. alongside SIGUSR1
// queue-stat dumps) rather than on every enqueue/dequeue.
func (m *Metrics) ObserveQueueDepths(sites map[string]*Site) {
	for name, s := range sites {
		m.QueueDepth.WithLabelValues(name).Set(float64(len(s.Queue)))
	}
}
