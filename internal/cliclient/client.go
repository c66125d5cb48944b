// Package cliclient is the HTTP client the CLI uses to drive a running
// launcher.
package cliclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/contracts"
	"github.com/chmlfrp/frplauncher/internal/reqcontext"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

// ErrDaemonUnavailable is returned when no launcher answers at the endpoint.
var ErrDaemonUnavailable = errors.New("launcher is not running, start it with `frplauncher serve`")

// Client provides HTTP API access for CLI commands.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// NewClient creates a client for endpoint, either a URL or a host:port.
func NewClient(endpoint string, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return &Client{
		baseURL: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			// Starts wait for frpc to spawn.
			Timeout: time.Minute,
		},
		logger: logger,
	}
}

// do sends a request and decodes the data of the envelope into out.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(reqcontext.RequestIDHeader, reqcontext.GenerateRequestID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debugw("Launcher request failed", "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if !envelope.Success {
		if envelope.Error == "" {
			envelope.Error = http.StatusText(resp.StatusCode)
		}
		return &RequestError{Status: resp.StatusCode, Message: envelope.Error}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to parse response data: %w", err)
		}
	}
	return nil
}

// RequestError is a failure reported by the launcher.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func tunnelPath(key tunnel.Key, action string) string {
	return fmt.Sprintf("/api/v1/tunnels/%s/%d/%s", key.Source, key.ID, action)
}

// Status returns the launcher status.
func (c *Client) Status(ctx context.Context) (*contracts.Status, error) {
	var out contracts.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tunnels lists tunnels, refreshing the remote list first when refresh is set.
func (c *Client) Tunnels(ctx context.Context, refresh bool) (*contracts.TunnelsResponse, error) {
	path := "/api/v1/tunnels"
	if refresh {
		path += "?refresh=true"
	}
	var out contracts.TunnelsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start starts a tunnel.
func (c *Client) Start(ctx context.Context, key tunnel.Key) error {
	return c.do(ctx, http.MethodPost, tunnelPath(key, "start"), nil, nil)
}

// Stop stops a tunnel.
func (c *Client) Stop(ctx context.Context, key tunnel.Key) error {
	return c.do(ctx, http.MethodPost, tunnelPath(key, "stop"), nil, nil)
}

// SetAutoStart flags a tunnel for auto-start.
func (c *Client) SetAutoStart(ctx context.Context, key tunnel.Key, enabled bool) error {
	return c.do(ctx, http.MethodPut, tunnelPath(key, "autostart"), contracts.ToggleRequest{Enabled: enabled}, nil)
}

// Logs returns the in-memory log, optionally for one tunnel and only the last tail lines.
func (c *Client) Logs(ctx context.Context, key *tunnel.Key, tail int) (*contracts.LogsResponse, error) {
	q := url.Values{}
	if key != nil {
		q.Set("tunnel", key.String())
	}
	if tail > 0 {
		q.Set("tail", strconv.Itoa(tail))
	}
	path := "/api/v1/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out contracts.LogsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearLogs empties the in-memory log.
func (c *Client) ClearLogs(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/logs", nil, nil)
}

// TunnelLogFile returns the last lines of a tunnel's log file.
func (c *Client) TunnelLogFile(ctx context.Context, key tunnel.Key, tail int) ([]string, error) {
	path := tunnelPath(key, "logs") + "?tail=" + strconv.Itoa(tail)
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// Login signs in to the tunnel service through the launcher.
func (c *Client) Login(ctx context.Context, username, password string) (*contracts.SessionResponse, error) {
	var out contracts.SessionResponse
	req := contracts.LoginRequest{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/session", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout forgets the stored session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/session", nil, nil)
}

// SetGuard switches the process guard.
func (c *Client) SetGuard(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/api/v1/guard", contracts.ToggleRequest{Enabled: enabled}, nil)
}

// Ping checks if the launcher is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}
