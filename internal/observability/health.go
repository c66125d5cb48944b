// Package observability provides health checks and Prometheus metrics for the
// launcher.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Health states reported by the endpoints.
const (
	StateHealthy   = "healthy"
	StateUnhealthy = "unhealthy"
	StateReady     = "ready"
	StateNotReady  = "not_ready"
)

// HealthChecker reports whether a component works at all.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	Name() string
}

// ReadinessChecker reports whether a component can serve requests yet.
type ReadinessChecker interface {
	ReadinessCheck(ctx context.Context) error
	Name() string
}

// HealthStatus is the result of one checker.
type HealthStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Components []HealthStatus `json:"components"`
}

// HealthManager runs registered checkers.
type HealthManager struct {
	logger  *zap.SugaredLogger
	timeout time.Duration

	mu        sync.RWMutex
	health    []HealthChecker
	readiness []ReadinessChecker
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger *zap.SugaredLogger) *HealthManager {
	return &HealthManager{
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// AddHealthChecker registers a health checker
func (hm *HealthManager) AddHealthChecker(checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.health = append(hm.health, checker)
}

// AddReadinessChecker registers a readiness checker
func (hm *HealthManager) AddReadinessChecker(checker ReadinessChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.readiness = append(hm.readiness, checker)
}

// SetTimeout sets the timeout for one round of checks
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		hm.timeout = timeout
	}
}

type namedCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func (hm *HealthManager) healthChecks() []namedCheck {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]namedCheck, 0, len(hm.health))
	for _, c := range hm.health {
		out = append(out, namedCheck{name: c.Name(), fn: c.HealthCheck})
	}
	return out
}

func (hm *HealthManager) readinessChecks() []namedCheck {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]namedCheck, 0, len(hm.readiness))
	for _, c := range hm.readiness {
		out = append(out, namedCheck{name: c.Name(), fn: c.ReadinessCheck})
	}
	return out
}

func (hm *HealthManager) run(ctx context.Context, checks []namedCheck, ok, bad string) HealthResponse {
	response := HealthResponse{
		Status:     ok,
		Timestamp:  time.Now(),
		Components: make([]HealthStatus, 0, len(checks)),
	}
	for _, c := range checks {
		start := time.Now()
		status := HealthStatus{Name: c.name, Status: ok}
		if err := c.fn(ctx); err != nil {
			status.Status = bad
			status.Error = err.Error()
			response.Status = bad
			hm.logger.Warnw("Check failed", "component", c.name, "kind", ok, "error", err)
		}
		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}
	return response
}

// CheckHealth runs every health checker.
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()
	return hm.run(ctx, hm.healthChecks(), StateHealthy, StateUnhealthy)
}

// CheckReadiness runs every readiness checker.
func (hm *HealthManager) CheckReadiness(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()
	return hm.run(ctx, hm.readinessChecks(), StateReady, StateNotReady)
}

// HealthzHandler returns an HTTP handler for the /healthz endpoint
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hm.writeJSON(w, hm.CheckHealth(r.Context()), StateHealthy)
	}
}

// ReadyzHandler returns an HTTP handler for the /readyz endpoint
func (hm *HealthManager) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hm.writeJSON(w, hm.CheckReadiness(r.Context()), StateReady)
	}
}

func (hm *HealthManager) writeJSON(w http.ResponseWriter, response HealthResponse, ok string) {
	statusCode := http.StatusOK
	if response.Status != ok {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		hm.logger.Errorw("Failed to encode health response", "error", err)
	}
}

// IsHealthy returns true if all health checks pass
func (hm *HealthManager) IsHealthy() bool {
	return hm.CheckHealth(context.Background()).Status == StateHealthy
}

// IsReady returns true if all readiness checks pass
func (hm *HealthManager) IsReady() bool {
	return hm.CheckReadiness(context.Background()).Status == StateReady
}
