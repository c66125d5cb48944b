package observability

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Result labels shared by the counters
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Config holds configuration for observability features
type Config struct {
	HealthTimeout time.Duration
	Metrics       bool
}

// DefaultConfig enables metrics with a 5s health timeout.
func DefaultConfig() Config {
	return Config{HealthTimeout: 5 * time.Second, Metrics: true}
}

// Manager bundles health checks and metrics.
type Manager struct {
	logger  *zap.SugaredLogger
	health  *HealthManager
	metrics *MetricsManager

	startTime time.Time
}

// NewManager creates a new observability manager
func NewManager(logger *zap.SugaredLogger, config Config) *Manager {
	m := &Manager{
		logger:    logger,
		health:    NewHealthManager(logger),
		startTime: time.Now(),
	}
	m.health.SetTimeout(config.HealthTimeout)

	if config.Metrics {
		m.metrics = NewMetricsManager(logger)
		logger.Info("Prometheus metrics enabled")
	}
	return m
}

// Health returns the health manager
func (m *Manager) Health() *HealthManager {
	return m.health
}

// Metrics returns the metrics manager, nil when disabled
func (m *Manager) Metrics() *MetricsManager {
	return m.metrics
}

// RegisterHealthChecker registers a health checker
func (m *Manager) RegisterHealthChecker(checker HealthChecker) {
	m.health.AddHealthChecker(checker)
}

// RegisterReadinessChecker registers a readiness checker
func (m *Manager) RegisterReadinessChecker(checker ReadinessChecker) {
	m.health.AddReadinessChecker(checker)
}

// HTTPMiddleware records request metrics when metrics are on.
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	if m.metrics == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return m.metrics.HTTPMiddleware()
}

// MetricsHandler serves /metrics, or 404 when metrics are off.
func (m *Manager) MetricsHandler() http.Handler {
	if m.metrics == nil {
		return http.NotFoundHandler()
	}
	return m.metrics.Handler()
}

// UpdateMetrics refreshes gauges from the current tunnel counts.
func (m *Manager) UpdateMetrics(known, running int) {
	if m.metrics == nil {
		return
	}
	m.metrics.SetUptime(m.startTime)
	m.metrics.SetTunnelStats(known, running)
}
