package contracts

import (
	"github.com/chmlfrp/frplauncher/internal/chmlapi"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

// NewSuccessResponse wraps data in a successful envelope.
func NewSuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

// NewErrorResponse wraps message in a failed envelope.
func NewErrorResponse(message string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   message,
	}
}

// NewTunnel converts catalogue info into the API shape. The live fields are
// filled in by the caller.
func NewTunnel(info tunnel.Info) Tunnel {
	return Tunnel{
		Source:    info.Key.Source,
		ID:        info.Key.ID,
		Key:       info.Key.String(),
		Name:      info.Name,
		Type:      info.Type,
		LocalIP:   info.LocalIP,
		LocalPort: info.LocalPort,
		Node:      info.Node,
		Remote:    info.Remote,
	}
}

// NewLogEntry converts a log record.
func NewLogEntry(rec tunnel.LogRecord) LogEntry {
	key := rec.Key()
	return LogEntry{
		Tunnel:    key.String(),
		TunnelID:  key.ID,
		Source:    string(key.Source),
		Message:   rec.Message,
		Timestamp: rec.Timestamp,
	}
}

// NewLogEntries converts records in order.
func NewLogEntries(recs []tunnel.LogRecord) []LogEntry {
	out := make([]LogEntry, len(recs))
	for i, r := range recs {
		out[i] = NewLogEntry(r)
	}
	return out
}

// NewUser strips the token from an account.
func NewUser(u chmlapi.User) *User {
	return &User{
		Username:    u.Username,
		UserGroup:   u.UserGroup,
		TunnelCount: u.TunnelCount,
		TunnelQuota: u.TunnelQuota,
	}
}
