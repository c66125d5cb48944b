package cliclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmlfrp/frplauncher/internal/cliclient"
	"github.com/chmlfrp/frplauncher/internal/contracts"
	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

func writeEnvelope(w http.ResponseWriter, status int, resp contracts.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func TestClient_Start(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tunnels/custom/4/start", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		writeEnvelope(w, http.StatusOK, contracts.NewSuccessResponse(contracts.ActionResponse{Action: "start", Success: true}))
	}))
	defer server.Close()

	client := cliclient.NewClient(server.URL, nil)
	require.NoError(t, client.Start(context.Background(), tunnel.Key{Source: tunnel.SourceCustom, ID: 4}))
}

func TestClient_ErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusConflict, contracts.NewErrorResponse("该隧道已在运行中"))
	}))
	defer server.Close()

	client := cliclient.NewClient(strings.TrimPrefix(server.URL, "http://"), nil)
	err := client.Stop(context.Background(), tunnel.APIKey(1))
	require.Error(t, err)

	var reqErr *cliclient.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusConflict, reqErr.Status)
	assert.Equal(t, "该隧道已在运行中", reqErr.Message)
}

func TestClient_TunnelsAndLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/tunnels":
			assert.Equal(t, "true", r.URL.Query().Get("refresh"))
			writeEnvelope(w, http.StatusOK, contracts.NewSuccessResponse(contracts.TunnelsResponse{
				Tunnels:       []contracts.Tunnel{contracts.NewTunnel(tunnel.Info{Key: tunnel.APIKey(7), Name: "ssh"})},
				Authenticated: true,
			}))
		case "/api/v1/logs":
			assert.Equal(t, "api_7", r.URL.Query().Get("tunnel"))
			assert.Equal(t, "2", r.URL.Query().Get("tail"))
			writeEnvelope(w, http.StatusOK, contracts.NewSuccessResponse(contracts.LogsResponse{
				Logs:  []contracts.LogEntry{{Tunnel: "api_7", Message: "已启动隧道"}},
				Total: 5,
			}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := cliclient.NewClient(server.URL, nil)
	tunnels, err := client.Tunnels(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, tunnels.Tunnels, 1)
	assert.Equal(t, "ssh", tunnels.Tunnels[0].Name)

	key := tunnel.APIKey(7)
	logs, err := client.Logs(context.Background(), &key, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, logs.Total)
	assert.Equal(t, "已启动隧道", logs.Logs[0].Message)
}

func TestClient_LoginSendsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"username":"alice","password":"pw"}`, string(body))
		writeEnvelope(w, http.StatusOK, contracts.NewSuccessResponse(contracts.SessionResponse{
			Authenticated: true,
			User:          &contracts.User{Username: "alice"},
		}))
	}))
	defer server.Close()

	session, err := cliclient.NewClient(server.URL, nil).Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.True(t, session.Authenticated)
	assert.Equal(t, "alice", session.User.Username)
}

func TestClient_Unavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := cliclient.NewClient(url, nil).Ping(context.Background())
	assert.ErrorIs(t, err, cliclient.ErrDaemonUnavailable)
}
