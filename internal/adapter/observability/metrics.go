package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// Ingestion pipeline
	IngestMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Messages consumed from the broker by stream",
		},
		[]string{"stream"},
	)
	IngestDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_dropped_total",
			Help: "Messages dropped during validation by stream and reason",
		},
		[]string{"stream", "reason"},
	)
	IngestClampedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_clamped_total",
			Help: "Field values clamped to their declared range",
		},
		[]string{"sensor"},
	)
	HandlerPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_handler_panics_total",
			Help: "Handler panics caught by the dispatcher",
		},
		[]string{"stream"},
	)

	// Broker adapter
	BrokerDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_dropped_total",
			Help: "Messages dropped by drop-oldest backpressure, by topic pattern and direction",
		},
		[]string{"pattern", "direction"},
	)
	BrokerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Broker reconnect attempts",
		},
	)

	// Time-series writer
	PointsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsdb_points_written_total",
			Help: "Points acknowledged by the time-series store",
		},
	)
	BatchesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tsdb_batches_dropped_total",
			Help: "Batches dropped after exhausting the retry budget",
		},
	)

	// Alert engine
	AlertsOpenGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alerts_open",
			Help: "Open alerts by severity",
		},
		[]string{"severity"},
	)
	AlertTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_transitions_total",
			Help: "Alert state machine transitions",
		},
		[]string{"from", "to"},
	)

	// Job tracker
	JobsActiveGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Jobs currently active",
		},
	)
	JobEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_events_total",
			Help: "Job stream events by kind and outcome",
		},
		[]string{"event", "outcome"},
	)

	// Command router
	CommandsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commands_sent_total",
			Help: "Commands published to the broker by type",
		},
		[]string{"type"},
	)
	CommandsTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "commands_timed_out_total",
			Help: "Commands that were never acknowledged within the timeout",
		},
	)
)

// InitMetrics registers all Prometheus metrics once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(IngestMessagesTotal)
	prometheus.MustRegister(IngestDroppedTotal)
	prometheus.MustRegister(IngestClampedTotal)
	prometheus.MustRegister(HandlerPanicsTotal)
	prometheus.MustRegister(BrokerDroppedTotal)
	prometheus.MustRegister(BrokerReconnectsTotal)
	prometheus.MustRegister(PointsWrittenTotal)
	prometheus.MustRegister(BatchesDroppedTotal)
	prometheus.MustRegister(AlertsOpenGauge)
	prometheus.MustRegister(AlertTransitionsTotal)
	prometheus.MustRegister(JobsActiveGauge)
	prometheus.MustRegister(JobEventsTotal)
	prometheus.MustRegister(CommandsSentTotal)
	prometheus.MustRegister(CommandsTimedOutTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
