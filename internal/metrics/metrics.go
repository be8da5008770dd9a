package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagemark",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pagemark",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests by route and method",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagemark",
			Name:      "generations_total",
			Help:      "Sticker generations by mode and result (hit, miss, failed)",
		},
		[]string{"mode", "result"},
	)

	generationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pagemark",
			Name:      "generation_duration_seconds",
			Help:      "End-to-end sticker generation duration by mode",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"mode"},
	)

	modelRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagemark",
			Name:      "model_requests_total",
			Help:      "Model API requests by purpose and result",
		},
		[]string{"purpose", "result"},
	)

	contextBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagemark",
			Name:      "context_batches_total",
			Help:      "Context extraction batches by result (completed, failed)",
		},
		[]string{"result"},
	)

	contextEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pagemark",
			Name:      "context_entries_inserted_total",
			Help:      "Context entries written to the shared pool",
		},
	)

	quotaRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagemark",
			Name:      "quota_rejections_total",
			Help:      "Requests rejected for exhausted quota by bucket",
		},
		[]string{"bucket"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pagemark",
			Name:      "window_sessions_active",
			Help:      "Window sessions currently being driven by this process",
		},
	)

	sseClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pagemark",
			Name:      "sse_clients_connected",
			Help:      "Currently connected SSE clients",
		},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		generations, generationLatency,
		modelRequests, contextBatches, contextEntries,
		quotaRejections, activeSessions, sseClients,
	)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveHTTP(route, method, status string, dur time.Duration) {
	httpRequests.WithLabelValues(route, method, status).Inc()
	httpLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

func ObserveGeneration(mode, result string, dur time.Duration) {
	generations.WithLabelValues(mode, result).Inc()
	generationLatency.WithLabelValues(mode).Observe(dur.Seconds())
}

func IncGeneration(mode, result string) { generations.WithLabelValues(mode, result).Inc() }

func IncModelRequest(purpose, result string) {
	modelRequests.WithLabelValues(purpose, result).Inc()
}

func IncContextBatch(result string)   { contextBatches.WithLabelValues(result).Inc() }
func AddContextEntries(n int)         { contextEntries.Add(float64(n)) }
func IncQuotaRejection(bucket string) { quotaRejections.WithLabelValues(bucket).Inc() }

func IncActiveSessions() { activeSessions.Inc() }
func DecActiveSessions() { activeSessions.Dec() }

func IncSSEClients() { sseClients.Inc() }
func DecSSEClients() { sseClients.Dec() }
