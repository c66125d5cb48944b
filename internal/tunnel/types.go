// Package tunnel holds the types shared by the launcher core: tunnel keys,
// log records, progress snapshots and the contracts of the external
// collaborators (process supervisor, remote API, session credentials).
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source distinguishes tunnel kinds that share the same numeric id space.
type Source string

const (
	// SourceAPI is a tunnel defined on the remote service and started by id.
	SourceAPI Source = "api"
	// SourceCustom is a tunnel started from a local frpc configuration file.
	SourceCustom Source = "custom"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceAPI || s == SourceCustom
}

// Key identifies one tunnel.
type Key struct {
	Source Source `json:"source"`
	ID     int    `json:"id"`
}

// APIKey is shorthand for an API tunnel key.
func APIKey(id int) Key {
	return Key{Source: SourceAPI, ID: id}
}

// String renders the key as "<source>_<id>", the form used by the auto-start store.
func (k Key) String() string {
	return fmt.Sprintf("%s_%d", k.Source, k.ID)
}

// ParseKey parses the String form of a key.
func ParseKey(s string) (Key, error) {
	idx := strings.LastIndex(s, "_")
	if idx <= 0 || idx == len(s)-1 {
		return Key{}, fmt.Errorf("invalid tunnel key %q", s)
	}
	src := Source(s[:idx])
	if !src.Valid() {
		return Key{}, fmt.Errorf("invalid tunnel source %q", src)
	}
	id, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return Key{}, fmt.Errorf("invalid tunnel id in %q: %w", s, err)
	}
	return Key{Source: src, ID: id}, nil
}

// LogRecord is one line emitted for a tunnel by the process supervisor.
type LogRecord struct {
	TunnelID  int    `json:"tunnel_id"`
	Source    Source `json:"source,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Key returns the composite key of the tunnel the record belongs to.
// Records without a source belong to API tunnels.
func (r LogRecord) Key() Key {
	src := r.Source
	if src == "" {
		src = SourceAPI
	}
	return Key{Source: src, ID: r.TunnelID}
}

// TimestampLayout is the wall-clock layout used for LogRecord.Timestamp.
const TimestampLayout = "15:04:05"

// NewLogRecord stamps a record with the current local time.
func NewLogRecord(key Key, message string) LogRecord {
	return LogRecord{
		TunnelID:  key.ID,
		Source:    key.Source,
		Message:   message,
		Timestamp: time.Now().Format(TimestampLayout),
	}
}

// Progress is the read model of one tunnel's start attempt.
type Progress struct {
	Percent   int        `json:"percent"`
	IsError   bool       `json:"is_error"`
	IsSuccess bool       `json:"is_success"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Terminal reports whether the attempt has finished, successfully or not.
func (p Progress) Terminal() bool {
	return p.Percent >= 100
}

// Info describes a tunnel known to the launcher.
type Info struct {
	Key       Key    `json:"key"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	LocalIP   string `json:"local_ip,omitempty"`
	LocalPort int    `json:"local_port,omitempty"`
	Node      string `json:"node,omitempty"`
	Remote    string `json:"remote,omitempty"`
	// ConfigFile is set for custom tunnels only.
	ConfigFile string `json:"config_file,omitempty"`
}

// Supervisor owns the tunnel client processes. Log output is delivered
// separately through the log channel.
type Supervisor interface {
	StartTunnel(ctx context.Context, key Key, credential string) (string, error)
	StopTunnel(ctx context.Context, key Key) (string, error)
	IsRunning(ctx context.Context, key Key) (bool, error)
	ListRunning(ctx context.Context) ([]Key, error)
}

// RemoteAPI is the part of the remote service the core needs.
type RemoteAPI interface {
	ForceOffline(ctx context.Context, name, credential string) error
}

// ErrNotAuthenticated is returned when an operation needs a session token and
// none is available.
var ErrNotAuthenticated = errors.New("not logged in, please log in again")

// Credentials yields the current session token.
type Credentials interface {
	Token() (string, bool)
}

// CredentialsFunc adapts a function to Credentials.
type CredentialsFunc func() (string, bool)

// Token implements Credentials.
func (f CredentialsFunc) Token() (string, bool) {
	return f()
}

// StaticCredentials always returns the same token; an empty token means
// no session.
type StaticCredentials string

// Token implements Credentials.
func (s StaticCredentials) Token() (string, bool) {
	return string(s), s != ""
}
