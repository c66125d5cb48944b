package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/progress"
)

// MetricsManager manages Prometheus metrics
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	// Core metrics
	uptime       prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Tunnel metrics
	tunnelsKnown   prometheus.Gauge
	tunnelsRunning prometheus.Gauge
	milestones     *prometheus.CounterVec
	stalls         prometheus.Counter
	toggles        *prometheus.CounterVec
	recoveries     *prometheus.CounterVec
	reconciles     *prometheus.CounterVec
	guardRestarts  *prometheus.CounterVec
	apiRequests    *prometheus.CounterVec
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	registry := prometheus.NewRegistry()

	mm := &MetricsManager{
		logger:   logger,
		registry: registry,
	}

	mm.initMetrics()
	mm.registerMetrics()

	return mm
}

// initMetrics initializes all Prometheus metrics
func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "frplauncher_uptime_seconds",
		Help: "Time since the launcher started",
	})

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frplauncher_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frplauncher_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.tunnelsKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "frplauncher_tunnels_total",
		Help: "Number of tunnels in the catalogue",
	})

	mm.tunnelsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "frplauncher_tunnels_running",
		Help: "Number of tunnels with a live frpc process",
	})

	mm.milestones = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frplauncher_start_milestones_total",
			Help: "Start milestones recognised in frpc output",
		},
		[]string{"milestone"},
	)

	mm.stalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frplauncher_start_stalls_total",
		Help: "Starts that made no progress before the stall timeout",
	})

	mm.toggles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frplauncher_toggles_total",
			Help: "Start and stop requests by result",
		},
		[]string{"action", "result"},
	)

	mm.recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frplauncher_conflict_recoveries_total",
			Help: "Duplicate-registration recoveries by outcome",
		},
		[]string{"outcome"},
	)

	mm.reconciles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frplauncher_reconcile_corrections_total",
			Help: "Corrections made by the running-state poller",
		},
		[]string{"result"},
	)

	mm.guardRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frplauncher_guard_restarts_total",
			Help: "Restarts issued by the process guard",
		},
		[]string{"result"},
	)

	mm.apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frplauncher_remote_api_requests_total",
			Help: "Requests made to the tunnel web service",
		},
		[]string{"operation", "status"},
	)
}

// registerMetrics registers all metrics with the registry
func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.httpRequests,
		mm.httpDuration,
		mm.tunnelsKnown,
		mm.tunnelsRunning,
		mm.milestones,
		mm.stalls,
		mm.toggles,
		mm.recoveries,
		mm.reconciles,
		mm.guardRestarts,
		mm.apiRequests,
	)

	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for the /metrics endpoint
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry for custom metrics
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// SetUptime sets the uptime metric
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordHTTPRequest records an HTTP request
func (mm *MetricsManager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	mm.httpRequests.WithLabelValues(method, path, status).Inc()
	mm.httpDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetTunnelStats updates the catalogue and running gauges
func (mm *MetricsManager) SetTunnelStats(known, running int) {
	mm.tunnelsKnown.Set(float64(known))
	mm.tunnelsRunning.Set(float64(running))
}

// ObserveMilestone counts a recognised start milestone.
func (mm *MetricsManager) ObserveMilestone(m progress.Milestone) {
	mm.milestones.WithLabelValues(m.String()).Inc()
}

// ObserveStall counts a start that hit the stall timeout.
func (mm *MetricsManager) ObserveStall() {
	mm.stalls.Inc()
}

// ObserveToggle counts a start or stop request.
func (mm *MetricsManager) ObserveToggle(action, result string) {
	mm.toggles.WithLabelValues(action, result).Inc()
}

// ObserveRecovery counts a conflict recovery outcome.
func (mm *MetricsManager) ObserveRecovery(outcome string) {
	mm.recoveries.WithLabelValues(outcome).Inc()
}

// ObserveReconcile counts a poller correction.
func (mm *MetricsManager) ObserveReconcile(result string) {
	mm.reconciles.WithLabelValues(result).Inc()
}

// ObserveGuardRestart counts a guard restart.
func (mm *MetricsManager) ObserveGuardRestart(err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	mm.guardRestarts.WithLabelValues(status).Inc()
}

// RecordAPIRequest counts a request to the tunnel web service.
func (mm *MetricsManager) RecordAPIRequest(operation string, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	mm.apiRequests.WithLabelValues(operation, status).Inc()
}

// HTTPMiddleware returns middleware that records HTTP metrics
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap the response writer to capture status code
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			mm.RecordHTTPRequest(r.Method, routePattern(r), http.StatusText(ww.statusCode), time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent events working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routePattern keeps tunnel ids out of the path label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
