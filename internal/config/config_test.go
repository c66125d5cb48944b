package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "127.0.0.1:7711", config.Listen)
	assert.Equal(t, "", config.DataDir)
	assert.Equal(t, "https://cf-v2.uapis.cn", config.API.BaseURL)
	assert.False(t, config.Guard.Enabled)
	assert.True(t, config.AutoStart.Enabled)
	assert.True(t, config.Notifications.Desktop)
	assert.Empty(t, config.CustomTunnels)

	e := config.Engine
	assert.Equal(t, 10*time.Second, e.StallTimeout.Std())
	assert.Equal(t, 2*time.Second, e.FlashDuration.Std())
	assert.Equal(t, 5*time.Minute, e.ConflictTTL.Std())
	assert.Equal(t, 8*time.Second, e.SettleDelay.Std())
	assert.Equal(t, 500*time.Millisecond, e.StopGrace.Std())
	assert.Equal(t, 2*time.Second, e.RecoveryPollInterval.Std())
	assert.Equal(t, 20*time.Second, e.RecoveryPollWindow.Std())
	assert.Equal(t, 5*time.Second, e.ReconcileInterval.Std())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr string
		check   func(t *testing.T, c *Config)
	}{
		{
			name:   "empty config gets defaults",
			config: &Config{},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "127.0.0.1:7711", c.Listen)
				assert.Equal(t, DefaultEngineConfig(), c.Engine)
				assert.NotNil(t, c.Guard)
				assert.NotNil(t, c.Logging)
			},
		},
		{
			name:   "zero durations default",
			config: &Config{Engine: &EngineConfig{StallTimeout: Duration(time.Second)}},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, time.Second, c.Engine.StallTimeout.Std())
				assert.Equal(t, 2*time.Second, c.Engine.FlashDuration.Std())
			},
		},
		{
			name:    "bad api url",
			config:  &Config{API: &APIConfig{BaseURL: "ftp://example.com"}},
			wantErr: "api.base_url",
		},
		{
			name: "poll interval longer than window",
			config: &Config{Engine: &EngineConfig{
				RecoveryPollInterval: Duration(time.Minute),
				RecoveryPollWindow:   Duration(time.Second),
			}},
			wantErr: "recovery_poll_interval",
		},
		{
			name: "duplicate custom tunnel",
			config: &Config{CustomTunnels: []*CustomTunnel{
				{ID: 1, ConfigFile: "a.ini"},
				{ID: 1, ConfigFile: "b.ini"},
			}},
			wantErr: "duplicate id 1",
		},
		{
			name:    "custom tunnel without file",
			config:  &Config{CustomTunnels: []*CustomTunnel{{ID: 2}}},
			wantErr: "config_file is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, tt.config)
		})
	}
}

func TestDurationJSON(t *testing.T) {
	var e EngineConfig
	require.NoError(t, json.Unmarshal([]byte(`{"stall_timeout":"15s","flash_duration":1000000000}`), &e))
	assert.Equal(t, 15*time.Second, e.StallTimeout.Std())
	assert.Equal(t, time.Second, e.FlashDuration.Std())

	data, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"stall_timeout":"soon"}`), &e))
	assert.Error(t, json.Unmarshal([]byte(`{"stall_timeout":true}`), &e))
}

func TestSaveAndLoadConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ConfigFileName)

	cfg := DefaultConfigFor(tempDir)
	cfg.Listen = "127.0.0.1:9000"
	cfg.Guard.Enabled = true
	cfg.CustomTunnels = []*CustomTunnel{{ID: 12, Name: "nas", ConfigFile: "custom/nas.ini"}}
	require.NoError(t, SaveConfig(cfg, configPath))

	_, err := os.Stat(configPath + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", loaded.Listen)
	assert.True(t, loaded.Guard.Enabled)
	require.Len(t, loaded.CustomTunnels, 1)
	assert.Equal(t, filepath.Join(tempDir, "custom/nas.ini"), loaded.ResolvePath(loaded.CustomTunnels[0].ConfigFile))
	assert.Equal(t, cfg.Engine, loaded.Engine)
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ConfigFileName)
	require.NoError(t, os.WriteFile(configPath, nil, 0600))

	cfg := DefaultConfig()
	require.NoError(t, loadConfigFile(configPath, cfg))
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolvePath(t *testing.T) {
	cfg := &Config{DataDir: filepath.Join("/", "data")}
	assert.Equal(t, "", cfg.ResolvePath(""))
	abs := filepath.Join("/", "etc", "frpc.ini")
	assert.Equal(t, abs, cfg.ResolvePath(abs))
	assert.Equal(t, filepath.Join("/", "data", "frpc"), cfg.ResolvePath("frpc"))
}
