package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmlfrp/frplauncher/internal/chmlapi"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

func TestNewTunnel(t *testing.T) {
	v := NewTunnel(tunnel.Info{Key: tunnel.APIKey(7), Name: "ssh", LocalPort: 22, Remote: "20022"})
	assert.Equal(t, "api_7", v.Key)
	assert.Equal(t, tunnel.SourceAPI, v.Source)
	assert.Equal(t, 7, v.ID)
	assert.Equal(t, 22, v.LocalPort)
	assert.False(t, v.Running)
}

func TestNewLogEntryDefaultsToAPISource(t *testing.T) {
	e := NewLogEntry(tunnel.LogRecord{TunnelID: 3, Message: "已启动隧道", Timestamp: "10:00:00"})
	assert.Equal(t, "api_3", e.Tunnel)
	assert.Equal(t, "api", e.Source)

	custom := NewLogEntries([]tunnel.LogRecord{tunnel.NewLogRecord(tunnel.Key{Source: tunnel.SourceCustom, ID: 1}, "x")})
	require.Len(t, custom, 1)
	assert.Equal(t, "custom_1", custom[0].Tunnel)
}

func TestNewUserDropsToken(t *testing.T) {
	u := NewUser(chmlapi.User{Username: "alice", UserToken: "secret", TunnelQuota: 5})
	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.Contains(t, string(data), `"tunnel_quota":5`)
}

func TestResponses(t *testing.T) {
	ok := NewSuccessResponse(1)
	assert.True(t, ok.Success)
	bad := NewErrorResponse("该隧道未在运行")
	assert.False(t, bad.Success)
	assert.Equal(t, "该隧道未在运行", bad.Error)
}
