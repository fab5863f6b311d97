package crm

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the SDK's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	syncPasses      prometheus.Counter
	syncEntries     *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	online          prometheus.Gauge
}

// NewMetrics creates and registers the collectors. Go runtime and process
// collectors are registered alongside them when withRuntime is set.
func NewMetrics(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_api_requests_total",
				Help: "API requests by method and response status.",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crm_api_request_duration_seconds",
				Help:    "API request latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_token_refreshes_total",
				Help: "Token refresh attempts by result.",
			},
			[]string{"result"},
		),
		syncPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_sync_passes_total",
			Help: "Offline queue sync passes.",
		}),
		syncEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_sync_entries_total",
				Help: "Offline entries processed by sync, by outcome.",
			},
			[]string{"outcome"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crm_offline_queue_depth",
			Help: "Entries waiting in the offline queue.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crm_online",
			Help: "1 while the connectivity monitor reports online.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.requestDuration, m.refreshes,
		m.syncPasses, m.syncEntries, m.queueDepth, m.online,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) observeRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) observeSyncPass() {
	if m == nil {
		return
	}
	m.syncPasses.Inc()
}

func (m *Metrics) observeSyncEntry(outcome string) {
	if m == nil {
		return
	}
	m.syncEntries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) setOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
