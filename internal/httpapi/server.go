// Package httpapi serves the local control API of the launcher.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/catalogue"
	"github.com/chmlfrp/frplauncher/internal/chmlapi"
	"github.com/chmlfrp/frplauncher/internal/contracts"
	"github.com/chmlfrp/frplauncher/internal/frpc"
	"github.com/chmlfrp/frplauncher/internal/observability"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
	"github.com/chmlfrp/frplauncher/internal/tunnelstate"
)

const (
	defaultLogTail    = 200
	maxLogTail        = 5000
	sseHeartbeat      = 30 * time.Second
	toggleCallTimeout = 30 * time.Second
)

// Controller is the launcher runtime as seen by the API.
type Controller interface {
	Status() contracts.Status
	Tunnels(ctx context.Context, refresh bool) contracts.TunnelsResponse
	StartTunnel(ctx context.Context, key tunnel.Key) error
	StopTunnel(ctx context.Context, key tunnel.Key) error
	SetAutoStart(key tunnel.Key, enabled bool) error

	Logs() []tunnel.LogRecord
	ClearLogs()
	TunnelLogTail(key tunnel.Key, lines int) ([]string, error)
	Events() (<-chan contracts.Event, func())

	Session() contracts.SessionResponse
	Login(ctx context.Context, username, password string) (*contracts.User, error)
	Logout() error
	SetGuardEnabled(enabled bool) error
}

// Server provides HTTP API endpoints with chi router
type Server struct {
	controller    Controller
	logger        *zap.SugaredLogger
	router        *chi.Mux
	observability *observability.Manager
}

// NewServer creates a new HTTP API server. obs may be nil.
func NewServer(controller Controller, logger *zap.SugaredLogger, obs *observability.Manager) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		controller:    controller,
		logger:        logger,
		router:        chi.NewRouter(),
		observability: obs,
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	if s.observability != nil {
		s.router.Use(s.observability.HTTPMiddleware())
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(CorrelationIDMiddleware)
	s.router.Use(RequestIDLoggerMiddleware(s.logger))
	s.router.Use(s.httpLoggingMiddleware())

	if s.observability != nil {
		s.router.Get("/healthz", s.observability.Health().HealthzHandler())
		s.router.Get("/readyz", s.observability.Health().ReadyzHandler())
		s.router.Handle("/metrics", s.observability.MetricsHandler())
	} else {
		s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, http.StatusOK, map[string]string{"status": observability.StateHealthy})
		})
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleGetStatus)

		r.Get("/tunnels", s.handleGetTunnels)
		r.Route("/tunnels/{source}/{id}", func(r chi.Router) {
			r.Post("/start", s.handleStartTunnel)
			r.Post("/stop", s.handleStopTunnel)
			r.Put("/autostart", s.handleSetAutoStart)
			r.Get("/logs", s.handleGetTunnelLogFile)
		})

		r.Get("/logs", s.handleGetLogs)
		r.Delete("/logs", s.handleClearLogs)
		r.Get("/events", s.handleSSEEvents)

		r.Get("/session", s.handleGetSession)
		r.Post("/session", s.handleLogin)
		r.Delete("/session", s.handleLogout)

		r.Put("/guard", s.handleSetGuard)
	})
}

// httpLoggingMiddleware logs every request at debug level.
func (s *Server) httpLoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			GetLogger(r.Context()).Debugw("HTTP API request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		})
	}
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, contracts.NewErrorResponse(message))
}

func (s *Server) writeSuccess(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, contracts.NewSuccessResponse(data))
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var apiErr *chmlapi.APIError
	switch {
	case errors.Is(err, catalogue.ErrUnknownTunnel):
		return http.StatusNotFound
	case errors.Is(err, tunnel.ErrNotAuthenticated), errors.Is(err, chmlapi.ErrNoToken):
		return http.StatusUnauthorized
	case errors.Is(err, tunnelstate.ErrStartInProgress),
		errors.Is(err, tunnelstate.ErrBusy),
		errors.Is(err, frpc.ErrAlreadyRunning),
		errors.Is(err, frpc.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, frpc.ErrBinaryMissing):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err.Error())
}

func parseKey(r *http.Request) (tunnel.Key, error) {
	src := tunnel.Source(chi.URLParam(r, "source"))
	if !src.Valid() {
		return tunnel.Key{}, fmt.Errorf("invalid tunnel source %q", src)
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return tunnel.Key{}, fmt.Errorf("invalid tunnel id %q", chi.URLParam(r, "id"))
	}
	return tunnel.Key{Source: src, ID: id}, nil
}

func parseTail(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("tail")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid tail %q", raw)
	}
	if n > maxLogTail {
		n = maxLogTail
	}
	return n, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// API v1 handlers

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, s.controller.Status())
}

func (s *Server) handleGetTunnels(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	s.writeSuccess(w, s.controller.Tunnels(r.Context(), refresh))
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, tunnel.Key) error) {
	key, err := parseKey(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The frpc process must outlive the request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), toggleCallTimeout)
	defer cancel()

	if err := fn(ctx, key); err != nil {
		GetLogger(r.Context()).Warnw("Tunnel action failed", "tunnel", key.String(), "action", action, "error", err)
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccess(w, contracts.ActionResponse{Tunnel: key.String(), Action: action, Success: true})
}

func (s *Server) handleStartTunnel(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, "start", s.controller.StartTunnel)
}

func (s *Server) handleStopTunnel(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, "stop", s.controller.StopTunnel)
}

func (s *Server) handleSetAutoStart(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req contracts.ToggleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.controller.SetAutoStart(key, req.Enabled); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccess(w, contracts.ActionResponse{Tunnel: key.String(), Action: "autostart", Success: true})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	tail, err := parseTail(r, 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := r.URL.Query().Get("tunnel")
	if filter != "" {
		if _, err := tunnel.ParseKey(filter); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	records := s.controller.Logs()
	entries := make([]contracts.LogEntry, 0, len(records))
	for _, rec := range records {
		if filter != "" && rec.Key().String() != filter {
			continue
		}
		entries = append(entries, contracts.NewLogEntry(rec))
	}
	total := len(entries)
	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	s.writeSuccess(w, contracts.LogsResponse{Logs: entries, Total: total})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	s.controller.ClearLogs()
	s.writeSuccess(w, contracts.ActionResponse{Action: "clear_logs", Success: true})
}

func (s *Server) handleGetTunnelLogFile(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tail, err := parseTail(r, defaultLogTail)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines, err := s.controller.TunnelLogTail(key, tail)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccess(w, map[string]interface{}{"tunnel": key.String(), "lines": lines})
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	s.writeSuccess(w, s.controller.Session())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req contracts.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	user, err := s.controller.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		var apiErr *chmlapi.APIError
		if errors.As(err, &apiErr) {
			s.writeError(w, http.StatusUnauthorized, apiErr.Msg)
			return
		}
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccess(w, contracts.SessionResponse{Authenticated: true, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	if err := s.controller.Logout(); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccess(w, contracts.ActionResponse{Action: "logout", Success: true})
}

func (s *Server) handleSetGuard(w http.ResponseWriter, r *http.Request) {
	var req contracts.ToggleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.controller.SetGuardEnabled(req.Enabled); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeSuccess(w, contracts.ActionResponse{Action: "guard", Success: true})
}

// handleSSEEvents streams tunnel changes and log lines.
func (s *Server) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.logger.Warn("ResponseWriter does not support flushing, SSE may not work properly")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\nretry: 5000\n\n")
	if canFlush {
		flusher.Flush()
	}

	events, unsubscribe := s.controller.Events()
	defer unsubscribe()

	if err := s.writeSSEEvent(w, flusher, canFlush, "status", s.controller.Status()); err != nil {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			ping := map[string]int64{"timestamp": time.Now().Unix()}
			if err := s.writeSSEEvent(w, flusher, canFlush, "ping", ping); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeSSEEvent(w, flusher, canFlush, evt.Type, evt); err != nil {
				s.logger.Debugw("SSE client went away", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, canFlush bool, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if canFlush {
		flusher.Flush()
	}
	return nil
}
