// Package chmlapi is a client for the ChmlFrp web API: login, tunnel list and
// remote force-offline.
package chmlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults
const (
	DefaultBaseURL     = "https://cf-v2.uapis.cn"
	DefaultOfflinePath = "/offline_tunnel"
	defaultTimeout     = 15 * time.Second
	userAgent          = "frplauncher/1.0"
)

var (
	// ErrNoToken is returned by authenticated calls made without a token.
	ErrNoToken = errors.New("登录信息已过期，请重新登录")
)

// User is the account returned by Login.
type User struct {
	Username    string `json:"username"`
	UserGroup   string `json:"usergroup"`
	UserImg     string `json:"userimg,omitempty"`
	UserToken   string `json:"usertoken,omitempty"`
	TunnelCount int    `json:"tunnelCount"`
	TunnelQuota int    `json:"tunnel"`
}

// Tunnel is one tunnel defined on the remote service.
type Tunnel struct {
	ID              int     `json:"id"`
	Name            string  `json:"name"`
	LocalIP         string  `json:"localip"`
	Type            string  `json:"type"`
	LocalPort       int     `json:"nport"`
	RemotePort      string  `json:"dorp"`
	Node            string  `json:"node"`
	Advanced        string  `json:"ap"`
	Uptime          *string `json:"uptime"`
	ClientVersion   *string `json:"client_version"`
	TodayTrafficIn  *int64  `json:"today_traffic_in"`
	TodayTrafficOut *int64  `json:"today_traffic_out"`
	CurConns        *int    `json:"cur_conns"`
	NodeState       string  `json:"nodestate"`
	IP              string  `json:"ip"`
}

// Response is the envelope every endpoint answers with.
type Response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// APIError is a non-200 envelope code.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return e.Msg
}

// Options configures a Client
type Options struct {
	BaseURL     string
	OfflinePath string
	HTTPClient  *http.Client
	MaxRetries  int
	RetryDelay  time.Duration
	Observer    RequestObserver
}

// RequestObserver is told the result of every call.
type RequestObserver interface {
	RecordAPIRequest(operation string, err error)
}

// Client talks to the remote API.
type Client struct {
	baseURL     string
	offlinePath string
	httpClient  *http.Client
	maxRetries  int
	retryDelay  time.Duration
	observer    RequestObserver
	logger      *zap.SugaredLogger
}

// NewClient creates a client. Zero options fall back to the public service.
func NewClient(opts Options, logger *zap.SugaredLogger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.OfflinePath == "" {
		opts.OfflinePath = DefaultOfflinePath
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		offlinePath: "/" + strings.TrimPrefix(opts.OfflinePath, "/"),
		httpClient:  opts.HTTPClient,
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
		observer:    opts.Observer,
		logger:      logger,
	}
}

// Login exchanges credentials for the user profile and token.
func (c *Client) Login(ctx context.Context, username, password string) (*User, error) {
	body := map[string]string{"username": username, "password": password}
	var user User
	if err := c.call(ctx, http.MethodPost, "/login", "", body, &user, "登录失败"); err != nil {
		return nil, err
	}
	if user.Username == "" {
		user.Username = username
	}
	return &user, nil
}

// FetchTunnels lists the tunnels of the token's owner.
func (c *Client) FetchTunnels(ctx context.Context, token string) ([]Tunnel, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	var tunnels []Tunnel
	if err := c.call(ctx, http.MethodGet, "/tunnel", token, nil, &tunnels, "获取隧道列表失败"); err != nil {
		return nil, err
	}
	if tunnels == nil {
		tunnels = []Tunnel{}
	}
	return tunnels, nil
}

// ForceOffline asks the service to drop the remote session of the named tunnel.
func (c *Client) ForceOffline(ctx context.Context, name, token string) error {
	if token == "" {
		return ErrNoToken
	}
	body := map[string]string{"tunnel_name": name}
	return c.call(ctx, http.MethodPost, c.offlinePath, token, body, nil, "下线隧道失败")
}

func (c *Client) call(ctx context.Context, method, path, token string, in, out interface{}, fallback string) (callErr error) {
	if c.observer != nil {
		defer func() { c.observer.RecordAPIRequest(method+" "+path, callErr) }()
	}

	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	// Only idempotent reads are retried.
	attempts := 1
	if method == http.MethodGet {
		attempts = c.maxRetries
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, retry, err := c.do(ctx, method, path, token, payload)
		if retry && attempt < attempts {
			delay := time.Duration(attempt) * c.retryDelay
			c.logger.Debugw("Request failed, retrying",
				"path", path,
				"attempt", attempt,
				"max_retries", attempts,
				"delay", delay,
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		if err != nil {
			return err
		}

		if resp.Code != http.StatusOK {
			msg := resp.Msg
			if msg == "" {
				msg = fallback
			}
			return &APIError{Code: resp.Code, Msg: msg}
		}
		if out != nil && len(resp.Data) > 0 && string(resp.Data) != "null" {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("failed to decode %s data: %w", path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("request to %s failed after %d attempts", path, attempts)
}

func (c *Client) do(ctx context.Context, method, path, token string, payload []byte) (*Response, bool, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server error: status %d", resp.StatusCode)
	}

	var apiResp Response
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, false, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	return &apiResp, false, nil
}
