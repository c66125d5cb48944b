// Package contracts defines typed data transfer objects for API communication
package contracts

import (
	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

// APIResponse is the standard wrapper for all API responses
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Tunnel is one tunnel with its live state.
type Tunnel struct {
	Source    tunnel.Source `json:"source"`
	ID        int           `json:"id"`
	Key       string        `json:"key"`
	Name      string        `json:"name"`
	Type      string        `json:"type,omitempty"`
	LocalIP   string        `json:"local_ip,omitempty"`
	LocalPort int           `json:"local_port,omitempty"`
	Node      string        `json:"node,omitempty"`
	Remote    string        `json:"remote,omitempty"`

	Running   bool            `json:"running"`
	Phase     string          `json:"phase"`
	Progress  tunnel.Progress `json:"progress"`
	AutoStart bool            `json:"auto_start"`
	Guarded   bool            `json:"guarded"`
	PID       int             `json:"pid,omitempty"`
}

// TunnelsResponse is the body of GET /api/v1/tunnels.
type TunnelsResponse struct {
	Tunnels       []Tunnel `json:"tunnels"`
	Authenticated bool     `json:"authenticated"`
	RefreshError  string   `json:"refresh_error,omitempty"`
}

// ActionResponse reports the result of a start, stop or settings change.
type ActionResponse struct {
	Tunnel  string `json:"tunnel,omitempty"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// LogEntry is one tunnel log line.
type LogEntry struct {
	Tunnel    string `json:"tunnel"`
	TunnelID  int    `json:"tunnel_id"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// LogsResponse is the body of GET /api/v1/logs.
type LogsResponse struct {
	Logs  []LogEntry `json:"logs"`
	Total int        `json:"total"`
}

// LoginRequest is the body of POST /api/v1/session.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// User is the logged-in account without its token.
type User struct {
	Username    string `json:"username"`
	UserGroup   string `json:"user_group,omitempty"`
	TunnelCount int    `json:"tunnel_count"`
	TunnelQuota int    `json:"tunnel_quota"`
}

// SessionResponse is the body of GET /api/v1/session.
type SessionResponse struct {
	Authenticated bool  `json:"authenticated"`
	User          *User `json:"user,omitempty"`
}

// ToggleRequest switches a boolean setting.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// Status is the body of GET /api/v1/status.
type Status struct {
	Version       string `json:"version"`
	Listen        string `json:"listen"`
	FrpcPath      string `json:"frpc_path"`
	FrpcFound     bool   `json:"frpc_found"`
	GuardEnabled  bool   `json:"guard_enabled"`
	Authenticated bool   `json:"authenticated"`
	Running       int    `json:"running"`
	Known         int    `json:"known"`
	StartingKey   string `json:"starting,omitempty"`
}

// Event is one server-sent event payload.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}
