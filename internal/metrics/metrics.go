package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several instances can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	resolutions     *prometheus.CounterVec
	eventsAppended  *prometheus.CounterVec
	snapshotLookups *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	webhookFailures prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mc_approval_resolutions_total",
			Help: "Approval resolve calls by outcome",
		}, []string{"outcome"}),
		eventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mc_events_appended_total",
			Help: "Committed audit events by type",
		}, []string{"type"}),
		snapshotLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mc_snapshot_cache_total",
			Help: "Snapshot cache lookups by result",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mc_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mc_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		webhookFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "mc_webhook_delivery_failures_total",
			Help: "Webhook deliveries that failed",
		}),
	}
}

func (m *Metrics) ResolutionObserved(outcome string) {
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventAppended(evtType string) {
	m.eventsAppended.WithLabelValues(evtType).Inc()
}

func (m *Metrics) SnapshotLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.snapshotLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookFailed() {
	m.webhookFailures.Inc()
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
