package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/catalogue"
	"github.com/chmlfrp/frplauncher/internal/chmlapi"
	"github.com/chmlfrp/frplauncher/internal/contracts"
	"github.com/chmlfrp/frplauncher/internal/frpc"
	"github.com/chmlfrp/frplauncher/internal/observability"
	"github.com/chmlfrp/frplauncher/internal/reqcontext"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
	"github.com/chmlfrp/frplauncher/internal/tunnelstate"
)

type fakeController struct {
	mu        sync.Mutex
	started   []tunnel.Key
	stopped   []tunnel.Key
	autostart map[tunnel.Key]bool
	guard     *bool
	startErr  error
	loginErr  error
	logs      []tunnel.LogRecord
	cleared   bool
	loggedOut bool
	events    chan contracts.Event
}

func newFakeController() *fakeController {
	return &fakeController{
		autostart: make(map[tunnel.Key]bool),
		events:    make(chan contracts.Event, 4),
	}
}

func (f *fakeController) Status() contracts.Status {
	return contracts.Status{Version: "test", Known: 2, Running: 1}
}

func (f *fakeController) Tunnels(_ context.Context, _ bool) contracts.TunnelsResponse {
	t := contracts.NewTunnel(tunnel.Info{Key: tunnel.APIKey(7), Name: "ssh"})
	t.Running = true
	return contracts.TunnelsResponse{Tunnels: []contracts.Tunnel{t}, Authenticated: true}
}

func (f *fakeController) StartTunnel(_ context.Context, key tunnel.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, key)
	return nil
}

func (f *fakeController) StopTunnel(_ context.Context, key tunnel.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
	return nil
}

func (f *fakeController) SetAutoStart(key tunnel.Key, enabled bool) error {
	if key.ID == 404 {
		return fmt.Errorf("%s: %w", key, catalogue.ErrUnknownTunnel)
	}
	f.autostart[key] = enabled
	return nil
}

func (f *fakeController) Logs() []tunnel.LogRecord { return f.logs }
func (f *fakeController) ClearLogs()               { f.cleared = true }

func (f *fakeController) TunnelLogTail(key tunnel.Key, lines int) ([]string, error) {
	return []string{fmt.Sprintf("%s:%d", key, lines)}, nil
}

func (f *fakeController) Events() (<-chan contracts.Event, func()) {
	return f.events, func() {}
}

func (f *fakeController) Session() contracts.SessionResponse {
	return contracts.SessionResponse{Authenticated: !f.loggedOut}
}

func (f *fakeController) Login(_ context.Context, username, _ string) (*contracts.User, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &contracts.User{Username: username}, nil
}

func (f *fakeController) Logout() error {
	f.loggedOut = true
	return nil
}

func (f *fakeController) SetGuardEnabled(enabled bool) error {
	f.guard = &enabled
	return nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, contracts.APIResponse) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp contracts.APIResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestStartAndStopTunnel(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, zap.NewNop().Sugar(), nil)

	w, resp := do(t, srv, http.MethodPost, "/api/v1/tunnels/api/7/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, w.Header().Get(reqcontext.RequestIDHeader))

	w, _ = do(t, srv, http.MethodPost, "/api/v1/tunnels/custom/3/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []tunnel.Key{tunnel.APIKey(7)}, ctrl.started)
	assert.Equal(t, []tunnel.Key{{Source: tunnel.SourceCustom, ID: 3}}, ctrl.stopped)
}

func TestInvalidTunnelKey(t *testing.T) {
	srv := NewServer(newFakeController(), nil, nil)

	for _, path := range []string{
		"/api/v1/tunnels/ftp/7/start",
		"/api/v1/tunnels/api/abc/start",
		"/api/v1/tunnels/api/0/start",
	} {
		w, resp := do(t, srv, http.MethodPost, path, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.False(t, resp.Success)
	}
}

func TestStartErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{tunnel.ErrNotAuthenticated, http.StatusUnauthorized},
		{tunnelstate.ErrStartInProgress, http.StatusConflict},
		{fmt.Errorf("start tunnel api_7: %w", frpc.ErrAlreadyRunning), http.StatusConflict},
		{fmt.Errorf("start tunnel api_7: %w", frpc.ErrBinaryMissing), http.StatusServiceUnavailable},
		{fmt.Errorf("api_7: %w", catalogue.ErrUnknownTunnel), http.StatusNotFound},
		{&chmlapi.APIError{Code: 500, Msg: "boom"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			ctrl := newFakeController()
			ctrl.startErr = tt.err
			srv := NewServer(ctrl, nil, nil)

			w, resp := do(t, srv, http.MethodPost, "/api/v1/tunnels/api/7/start", "")
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestGetTunnelsAndStatus(t *testing.T) {
	srv := NewServer(newFakeController(), nil, nil)

	w, resp := do(t, srv, http.MethodGet, "/api/v1/tunnels", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := resp.Data.(map[string]interface{})
	tunnels := data["tunnels"].([]interface{})
	require.Len(t, tunnels, 1)
	assert.Equal(t, "api_7", tunnels[0].(map[string]interface{})["key"])

	_, resp = do(t, srv, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, "test", resp.Data.(map[string]interface{})["version"])
}

func TestLogsFilterTailAndClear(t *testing.T) {
	ctrl := newFakeController()
	ctrl.logs = []tunnel.LogRecord{
		{TunnelID: 1, Message: "a", Timestamp: "10:00:00"},
		{TunnelID: 2, Message: "b", Timestamp: "10:00:01"},
		{TunnelID: 1, Message: "c", Timestamp: "10:00:02"},
		{TunnelID: 1, Source: tunnel.SourceCustom, Message: "d", Timestamp: "10:00:03"},
	}
	srv := NewServer(ctrl, nil, nil)

	w, _ := do(t, srv, http.MethodGet, "/api/v1/logs?tunnel=api_1&tail=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data contracts.LogsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Data.Total)
	require.Len(t, body.Data.Logs, 1)
	assert.Equal(t, "c", body.Data.Logs[0].Message)

	w, _ = do(t, srv, http.MethodGet, "/api/v1/logs?tunnel=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, srv, http.MethodDelete, "/api/v1/logs", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctrl.cleared)

	w, resp := do(t, srv, http.MethodGet, "/api/v1/tunnels/api/9/logs?tail=5", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"api_9:5"}, resp.Data.(map[string]interface{})["lines"])
}

func TestAutoStartAndGuard(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, nil, nil)

	w, _ := do(t, srv, http.MethodPut, "/api/v1/tunnels/api/7/autostart", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctrl.autostart[tunnel.APIKey(7)])

	w, _ = do(t, srv, http.MethodPut, "/api/v1/tunnels/api/404/autostart", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, srv, http.MethodPut, "/api/v1/tunnels/api/7/autostart", `{"enable":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, srv, http.MethodPut, "/api/v1/guard", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, ctrl.guard)
	assert.True(t, *ctrl.guard)
}

func TestSessionEndpoints(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(ctrl, nil, nil)

	w, _ := do(t, srv, http.MethodPost, "/api/v1/session", `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp := do(t, srv, http.MethodPost, "/api/v1/session", `{"username":"alice","password":"pw"}`)
	require.Equal(t, http.StatusOK, w.Code)
	user := resp.Data.(map[string]interface{})["user"].(map[string]interface{})
	assert.Equal(t, "alice", user["username"])

	ctrl.loginErr = &chmlapi.APIError{Code: 403, Msg: "用户名或密码错误"}
	w, resp = do(t, srv, http.MethodPost, "/api/v1/session", `{"username":"alice","password":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "用户名或密码错误", resp.Error)

	w, _ = do(t, srv, http.MethodDelete, "/api/v1/session", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctrl.loggedOut)
}

func TestSSEStreamsEvents(t *testing.T) {
	ctrl := newFakeController()
	ts := httptest.NewServer(NewServer(ctrl, nil, nil))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ctrl.events <- contracts.Event{Type: "log", Payload: "frpc 进程已启动", Timestamp: 1}

	reader := bufio.NewReader(resp.Body)
	var events []string
	for len(events) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}
	assert.Equal(t, []string{"status", "log"}, events)
}

func TestObservabilityRoutes(t *testing.T) {
	obs := observability.NewManager(zap.NewNop().Sugar(), observability.DefaultConfig())
	srv := NewServer(newFakeController(), nil, obs)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "frplauncher_http_requests_total")
}
